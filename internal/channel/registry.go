// Package channel implements the Channel Registry (C2): per-app
// channel objects, membership, presence member maps, and broadcast
// primitives.
package channel

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/automattic/pusherbroker/internal/conn"
	"github.com/automattic/pusherbroker/internal/logging"
	"github.com/automattic/pusherbroker/internal/protocol"
)

// Subscription-scoped failures:
// non-fatal to the connection, reported as a channel-scoped error.
var (
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrPresenceDataMissing = errors.New("presence channel_data missing or malformed")
)

// Replicator is the optional cross-node broadcast hook. A nil
// Replicator (the default) makes the registry purely local, with no
// cross-node coordination.
type Replicator interface {
	PublishRemote(appID, channelName string, frame protocol.Frame)
}

type appState struct {
	mu          sync.Mutex
	channels    map[string]*Channel
	connections map[string]*conn.Connection // socket_id -> connection
}

// Registry is the process-wide Channel Registry. It is safe for
// concurrent use; each app's state is guarded by its own lock so that
// work on one app's channels never blocks another's.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*appState

	accepting  atomic.Bool
	replicator Replicator
}

// New creates an empty Registry that accepts new connections.
func New() *Registry {
	r := &Registry{apps: make(map[string]*appState)}
	r.accepting.Store(true)
	return r
}

// SetReplicator installs the optional cross-node replication module.
// Call once at startup; nil disables replication (default).
func (r *Registry) SetReplicator(rep Replicator) {
	r.replicator = rep
}

func (r *Registry) appStateFor(appID string) *appState {
	r.mu.RLock()
	st, ok := r.apps[appID]
	r.mu.RUnlock()
	if ok {
		return st
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.apps[appID]; ok {
		return st
	}
	st = &appState{
		channels:    make(map[string]*Channel),
		connections: make(map[string]*conn.Connection),
	}
	r.apps[appID] = st
	return st
}

// AcceptsNewConnections reports the admission gate used during connection
// setup.
func (r *Registry) AcceptsNewConnections() bool {
	return r.accepting.Load()
}

// DeclineNewConnections flips the gate for a soft-drain shutdown.
func (r *Registry) DeclineNewConnections() {
	r.accepting.Store(false)
}

// RegisterConnection adds cn to the global per-app connection set, used
// for capacity counting and socket-id-targeted delivery. Called once
// admission has assigned a socket id.
func (r *Registry) RegisterConnection(cn *conn.Connection) {
	st := r.appStateFor(cn.App.ID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.connections[cn.SocketID] = cn
}

// UnregisterConnection removes cn from the global per-app connection
// set (called from onClose, after UnsubscribeFromAll).
func (r *Registry) UnregisterConnection(cn *conn.Connection) {
	st := r.appStateFor(cn.App.ID)
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.connections, cn.SocketID)
}

// GlobalConnectionsCount returns the number of registered connections
// for appID, used by the capacity check.
func (r *Registry) GlobalConnectionsCount(appID string) int {
	st := r.appStateFor(appID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.connections)
}

// ConnectionBySocketID looks up one of appID's live connections by
// socket id, used for whisper targeting.
func (r *Registry) ConnectionBySocketID(appID, socketID string) (*conn.Connection, bool) {
	st := r.appStateFor(appID)
	st.mu.Lock()
	defer st.mu.Unlock()
	cn, ok := st.connections[socketID]
	return cn, ok
}

// LocalConnections enumerates every connection registered for appID on
// this node.
func (r *Registry) LocalConnections(appID string) []*conn.Connection {
	st := r.appStateFor(appID)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*conn.Connection, 0, len(st.connections))
	for _, cn := range st.connections {
		out = append(out, cn)
	}
	return out
}

// AllLocalConnections enumerates every connection on this node across
// every app, used by the drain sequence.
func (r *Registry) AllLocalConnections() []*conn.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*conn.Connection
	for _, st := range r.apps {
		st.mu.Lock()
		for _, cn := range st.connections {
			out = append(out, cn)
		}
		st.mu.Unlock()
	}
	return out
}

// Find returns an existing channel without creating one.
func (r *Registry) Find(appID, name string) (*Channel, bool) {
	st := r.appStateFor(appID)
	st.mu.Lock()
	defer st.mu.Unlock()
	ch, ok := st.channels[name]
	return ch, ok
}

// ChannelOccupancy reports whether name is currently occupied within
// appID and, if so, its member count.
func (r *Registry) ChannelOccupancy(appID, name string) (count int, occupied bool) {
	st := r.appStateFor(appID)
	st.mu.Lock()
	defer st.mu.Unlock()
	ch, ok := st.channels[name]
	if !ok {
		return 0, false
	}
	return ch.memberCount(), true
}

// PresenceUserIDs returns the sorted, deduplicated set of user ids
// currently present on a presence channel.
func (r *Registry) PresenceUserIDs(appID, name string) ([]string, bool) {
	st := r.appStateFor(appID)
	st.mu.Lock()
	defer st.mu.Unlock()
	ch, ok := st.channels[name]
	if !ok || ch.Kind != protocol.KindPresence {
		return nil, false
	}
	return ch.presenceSnapshotLocked().IDs, true
}

// findOrCreateLocked returns name's Channel within appID, creating it
// (kind inferred from its prefix) if absent. Caller must hold st.mu.
func findOrCreateLocked(st *appState, name string) *Channel {
	if ch, ok := st.channels[name]; ok {
		return ch
	}
	ch := newChannel(name, protocol.ClassifyChannel(name))
	st.channels[name] = ch
	return ch
}

// FindOrCreate returns name's Channel within appID, creating it if
// absent.
func (r *Registry) FindOrCreate(appID, name string) *Channel {
	st := r.appStateFor(appID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return findOrCreateLocked(st, name)
}

// destroyIfEmptyLocked removes ch from st if it has no members left.
// Caller must hold st.mu.
func destroyIfEmptyLocked(st *appState, ch *Channel) {
	if ch.memberCount() == 0 {
		delete(st.channels, ch.Name)
	}
}

// Subscribe validates auth for private/presence channels, adds cn to
// the channel's members, and emits subscription_succeeded / member_added
// as appropriate. Re-subscribing an already-subscribed connection is a
// no-op.
func (r *Registry) Subscribe(cn *conn.Connection, data protocol.SubscribeData) error {
	name := data.Channel
	kind := protocol.ClassifyChannel(name)

	if cn.IsSubscribed(name) {
		return nil
	}

	var userID string
	var userInfo json.RawMessage
	if kind.RequiresAuth() {
		if err := verifySubscribeAuth(cn, name, kind, data); err != nil {
			return err
		}
	}
	if kind == protocol.KindPresence {
		var member protocol.PresenceMemberData
		if data.ChannelData == "" {
			return ErrPresenceDataMissing
		}
		if err := json.Unmarshal([]byte(data.ChannelData), &member); err != nil || member.UserID == "" {
			return ErrPresenceDataMissing
		}
		userID = member.UserID
		userInfo = member.UserInfo
	}

	st := r.appStateFor(cn.App.ID)
	st.mu.Lock()
	ch := findOrCreateLocked(st, name)
	ch.addMember(cn)

	var firstJoin bool
	var snap presenceSnapshot
	if kind == protocol.KindPresence {
		firstJoin = ch.recordPresenceJoin(cn, userID, userInfo)
		snap = ch.presenceSnapshotLocked()
	}
	others := ch.snapshotOthers(cn)
	st.mu.Unlock()

	cn.AddSubscription(name)

	if err := sendSubscriptionSucceeded(cn, name, kind, snap); err != nil {
		logging.Warn().Err(err).Str("socket_id", cn.SocketID).Msg("failed to send subscription_succeeded")
	}

	if kind == protocol.KindPresence && firstJoin {
		broadcastPresenceEvent(others, name, protocol.OutMemberAdded, userID, userInfo)
	}
	return nil
}

// Unsubscribe removes cn from name's membership and emits member_removed
// for presence channels when the departing connection was the last one
// for its user_id. Idempotent.
func (r *Registry) Unsubscribe(cn *conn.Connection, name string) {
	if !cn.IsSubscribed(name) {
		return
	}
	st := r.appStateFor(cn.App.ID)
	st.mu.Lock()
	ch, ok := st.channels[name]
	if !ok {
		st.mu.Unlock()
		cn.RemoveSubscription(name)
		return
	}
	ch.removeMember(cn)

	var userID string
	var lastLeave bool
	if ch.Kind == protocol.KindPresence {
		userID, lastLeave = ch.recordPresenceLeave(cn)
	}
	others := ch.snapshotAll()
	destroyIfEmptyLocked(st, ch)
	st.mu.Unlock()

	cn.RemoveSubscription(name)

	if ch.Kind == protocol.KindPresence && lastLeave {
		broadcastPresenceEvent(others, name, protocol.OutMemberRemoved, userID, nil)
	}
}

// UnsubscribeFromAll tears down every subscription cn holds, invoked by
// the onClose sequence.
func (r *Registry) UnsubscribeFromAll(cn *conn.Connection) {
	for _, name := range cn.Subscriptions() {
		r.Unsubscribe(cn, name)
	}
}

// Broadcast delivers frame to every current member of appID/channelName
// except those whose socket id is in except. Members added after the
// snapshot is taken may or may not receive the message; members
// removed before delivery never do.
func (r *Registry) Broadcast(appID, channelName string, frame protocol.Frame, except map[string]struct{}) {
	st := r.appStateFor(appID)
	st.mu.Lock()
	ch, ok := st.channels[channelName]
	var targets []*conn.Connection
	if ok {
		targets = ch.snapshotAll()
	}
	st.mu.Unlock()
	if !ok {
		return
	}
	for _, m := range targets {
		if except != nil {
			if _, skip := except[m.SocketID]; skip {
				continue
			}
		}
		if !m.IsSubscribed(channelName) {
			continue
		}
		_ = m.Send(frame)
	}
	if r.replicator != nil {
		r.replicator.PublishRemote(appID, channelName, frame)
	}
}

// ApplyRemoteBroadcast delivers a frame received from another node via
// the optional Replicator, without re-publishing it (avoids echo).
func (r *Registry) ApplyRemoteBroadcast(appID, channelName string, frame protocol.Frame) {
	st := r.appStateFor(appID)
	st.mu.Lock()
	ch, ok := st.channels[channelName]
	var targets []*conn.Connection
	if ok {
		targets = ch.snapshotAll()
	}
	st.mu.Unlock()
	if !ok {
		return
	}
	for _, m := range targets {
		_ = m.Send(frame)
	}
}

func sendSubscriptionSucceeded(cn *conn.Connection, name string, kind protocol.ChannelKind, snap presenceSnapshot) error {
	var dataStr json.RawMessage
	var err error
	if kind == protocol.KindPresence {
		dataStr, err = protocol.EncodeDataString(map[string]interface{}{"presence": snap})
	} else {
		dataStr, err = json.Marshal("{}")
	}
	if err != nil {
		return err
	}
	return cn.Send(protocol.Frame{
		Event:   protocol.OutSubscriptionSucceeded,
		Channel: name,
		Data:    dataStr,
	})
}

func broadcastPresenceEvent(targets []*conn.Connection, channelName, event, userID string, userInfo json.RawMessage) {
	payload := protocol.PresenceMemberData{UserID: userID, UserInfo: userInfo}
	data, err := protocol.EncodeDataString(payload)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to encode presence event payload")
		return
	}
	frame := protocol.Frame{Event: event, Channel: channelName, Data: data}
	for _, m := range targets {
		_ = m.Send(frame)
	}
}

func verifySubscribeAuth(cn *conn.Connection, name string, kind protocol.ChannelKind, data protocol.SubscribeData) error {
	var message string
	switch kind {
	case protocol.KindPrivate:
		message = protocol.PrivateAuthMessage(cn.SocketID, name)
	case protocol.KindPresence:
		message = protocol.PresenceAuthMessage(cn.SocketID, name, data.ChannelData)
	default:
		return nil
	}
	if !protocol.VerifyAuth(cn.App.Key, cn.App.Secret, message, data.Auth) {
		return ErrInvalidSignature
	}
	return nil
}
