// Package replication implements the optional cross-node broadcast
// hook behind channel.Replicator, using NATS as the transport. It is
// disabled by default: the core Channel Registry works correctly as a
// single, local-only node without it.
package replication

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/automattic/pusherbroker/internal/channel"
	"github.com/automattic/pusherbroker/internal/logging"
	"github.com/automattic/pusherbroker/internal/protocol"
)

const subjectPrefix = "broker.broadcast."

type wireMessage struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Frame   protocol.Frame  `json:"frame"`
}

// Replicator publishes local broadcasts to every other node subscribed
// to the same NATS subject set, and applies broadcasts it receives from
// them back into the local channel.Registry, tagging outgoing messages
// with nodeID so it can ignore its own echo.
type Replicator struct {
	nc       *nats.Conn
	nodeID   string
	channels *channel.Registry
	subs     []*nats.Subscription
}

// Connect dials urls (a NATS cluster, or a single server) and returns a
// Replicator bound to channels. nodeID should be stable per process
// (e.g. hostname:pid) so echo suppression works.
func Connect(urls []string, nodeID string, channels *channel.Registry) (*Replicator, error) {
	nc, err := nats.Connect(natsURLs(urls))
	if err != nil {
		return nil, err
	}
	return &Replicator{nc: nc, nodeID: nodeID, channels: channels}, nil
}

func natsURLs(urls []string) string {
	if len(urls) == 0 {
		return nats.DefaultURL
	}
	out := urls[0]
	for _, u := range urls[1:] {
		out += "," + u
	}
	return out
}

// PublishRemote implements channel.Replicator.
func (r *Replicator) PublishRemote(appID, channelName string, frame protocol.Frame) {
	msg := wireMessage{Origin: r.nodeID, Channel: channelName, Frame: frame}
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to encode replication message")
		return
	}
	if err := r.nc.Publish(subject(appID, channelName), data); err != nil {
		logging.Warn().Err(err).Msg("failed to publish replication message")
	}
}

// Subscribe joins appID's broadcast subject so remote broadcasts for
// that app are applied locally. Call once per app as apps are created
// or loaded.
func (r *Replicator) Subscribe(appID string) error {
	sub, err := r.nc.Subscribe(subject(appID, "*"), func(m *nats.Msg) {
		var msg wireMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			logging.Warn().Err(err).Msg("failed to decode replication message")
			return
		}
		if msg.Origin == r.nodeID {
			return
		}
		r.channels.ApplyRemoteBroadcast(appID, msg.Channel, msg.Frame)
	})
	if err != nil {
		return err
	}
	r.subs = append(r.subs, sub)
	return nil
}

// Close unsubscribes and closes the NATS connection without draining it.
func (r *Replicator) Close() {
	for _, s := range r.subs {
		s.Unsubscribe()
	}
	r.nc.Close()
}

func subject(appID, channelName string) string {
	return fmt.Sprintf("%s%s.%s", subjectPrefix, appID, channelName)
}
