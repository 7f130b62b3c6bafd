package channel

import (
	"encoding/json"
	"sort"

	"github.com/automattic/pusherbroker/internal/conn"
	"github.com/automattic/pusherbroker/internal/protocol"
)

// Channel owns one named membership set, scoped to a single app.
// Presence channels additionally track a per-member {user_id,
// user_info} mapping so member_added/member_removed can be emitted
// exactly on first-join/last-leave of a given user id.
type Channel struct {
	Name string
	Kind protocol.ChannelKind

	members map[*conn.Connection]struct{}

	// presence-only bookkeeping
	userOf        map[*conn.Connection]string
	userInfoOf    map[*conn.Connection]json.RawMessage
	userConnsLeft map[string]int
	userInfoByID  map[string]json.RawMessage
}

func newChannel(name string, kind protocol.ChannelKind) *Channel {
	c := &Channel{
		Name:    name,
		Kind:    kind,
		members: make(map[*conn.Connection]struct{}),
	}
	if kind == protocol.KindPresence {
		c.userOf = make(map[*conn.Connection]string)
		c.userInfoOf = make(map[*conn.Connection]json.RawMessage)
		c.userConnsLeft = make(map[string]int)
		c.userInfoByID = make(map[string]json.RawMessage)
	}
	return c
}

// memberCount returns the number of connected members. Caller must hold
// the owning registry's app lock.
func (c *Channel) memberCount() int {
	return len(c.members)
}

// addMember adds conn unconditionally. Caller must hold the lock and
// have already verified conn is not already a member (idempotence is
// enforced one level up, in Registry.Subscribe).
func (c *Channel) addMember(cn *conn.Connection) {
	c.members[cn] = struct{}{}
}

// removeMember drops conn. Returns true if it was present.
func (c *Channel) removeMember(cn *conn.Connection) bool {
	if _, ok := c.members[cn]; !ok {
		return false
	}
	delete(c.members, cn)
	return true
}

// snapshotOthers returns a stable slice of current members excluding
// except, for broadcast delivery.
func (c *Channel) snapshotOthers(except *conn.Connection) []*conn.Connection {
	out := make([]*conn.Connection, 0, len(c.members))
	for m := range c.members {
		if m == except {
			continue
		}
		out = append(out, m)
	}
	return out
}

// snapshotAll returns every current member, including except-eligible
// ones; filtering happens at the call site via its except map.
func (c *Channel) snapshotAll() []*conn.Connection {
	out := make([]*conn.Connection, 0, len(c.members))
	for m := range c.members {
		out = append(out, m)
	}
	return out
}

// recordPresenceJoin attaches user_id/user_info to cn and reports
// whether no other connection is currently joined as this user_id
// (i.e. whether member_added must be emitted).
func (c *Channel) recordPresenceJoin(cn *conn.Connection, userID string, userInfo json.RawMessage) (firstJoin bool) {
	c.userOf[cn] = userID
	c.userInfoOf[cn] = userInfo
	c.userInfoByID[userID] = userInfo
	left := c.userConnsLeft[userID]
	c.userConnsLeft[userID] = left + 1
	return left == 0
}

// recordPresenceLeave removes cn's presence bookkeeping and reports
// whether this was the last connection for its user_id (member_removed).
func (c *Channel) recordPresenceLeave(cn *conn.Connection) (userID string, lastLeave bool) {
	userID, ok := c.userOf[cn]
	if !ok {
		return "", false
	}
	delete(c.userOf, cn)
	delete(c.userInfoOf, cn)
	left := c.userConnsLeft[userID] - 1
	if left <= 0 {
		delete(c.userConnsLeft, userID)
		delete(c.userInfoByID, userID)
		return userID, true
	}
	c.userConnsLeft[userID] = left
	return userID, false
}

// presenceSnapshot renders the {ids, hash, count} object a freshly
// subscribing connection receives.
type presenceSnapshot struct {
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
	Count int                        `json:"count"`
}

func (c *Channel) presenceSnapshotLocked() presenceSnapshot {
	ids := make([]string, 0, len(c.userInfoByID))
	hash := make(map[string]json.RawMessage, len(c.userInfoByID))
	for uid, info := range c.userInfoByID {
		ids = append(ids, uid)
		hash[uid] = info
	}
	sort.Strings(ids)
	return presenceSnapshot{IDs: ids, Hash: hash, Count: len(ids)}
}
