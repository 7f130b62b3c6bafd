// Package broadcastctl implements the Local Broadcast Listener (C7): a
// Unix domain socket accepting newline-delimited JSON requests to
// inject a broadcast or whisper into a running broker without going
// through a client WebSocket connection, e.g. from a co-located
// application server.
package broadcastctl

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/automattic/pusherbroker/internal/channel"
	"github.com/automattic/pusherbroker/internal/logging"
	"github.com/automattic/pusherbroker/internal/protocol"
)

// Request is one line of the control protocol. ExceptSocketIDs excludes
// those socket ids from a channel-wide broadcast; SocketIDs, when set,
// makes the request a whisper delivered only to those connections
// instead of the whole channel.
type Request struct {
	AppID           string          `json:"app_id"`
	Channel         string          `json:"channel"`
	Event           string          `json:"event"`
	Data            json.RawMessage `json:"data"`
	ExceptSocketIDs []string        `json:"except_socket_ids,omitempty"`
	SocketIDs       []string        `json:"socket_ids,omitempty"`
}

// Response is the single-line JSON reply to a Request.
type Response struct {
	Status  string `json:"status"` // "success", "warning", "error"
	Message string `json:"message,omitempty"`
}

// Listener serves the control socket. It degrades gracefully: a
// failure to bind (stale socket file, EADDRINUSE, permissions) is
// logged and leaves the broker otherwise unaffected.
type Listener struct {
	path     string
	channels *channel.Registry

	mu sync.Mutex
	ln net.Listener
}

// New builds a Listener bound to socketPath, not yet listening.
func New(socketPath string, channels *channel.Registry) *Listener {
	return &Listener{path: socketPath, channels: channels}
}

// Serve removes a stale socket file (if any) and begins accepting
// connections, blocking the calling goroutine until Close is called or
// the listener errors out. Intended to be run as a supervised service.
func (l *Listener) Serve() error {
	log := logging.Component("broadcastctl")

	if err := removeStaleSocket(l.path); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("could not remove stale control socket")
	}

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("broadcast control socket disabled: bind failed")
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("control socket accept error")
			continue
		}
		go l.serveClient(conn)
	}
}

// Close stops accepting new control connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Remove(path)
}

// serveClient processes every line from one client connection in
// order, writing one Response line per Request line, until the client
// disconnects.
func (l *Listener) serveClient(c net.Conn) {
	defer c.Close()
	log := logging.Component("broadcastctl")

	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(c)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := l.handleLine(line)
		if err := enc.Encode(resp); err != nil {
			log.Warn().Err(err).Msg("failed to write control response")
			return
		}
	}
}

func (l *Listener) handleLine(line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{Status: "error", Message: "invalid request: " + err.Error()}
	}
	if req.AppID == "" || req.Channel == "" || req.Event == "" {
		return Response{Status: "error", Message: "app_id, channel and event are required"}
	}

	frame := protocol.Frame{Event: req.Event, Channel: req.Channel, Data: req.Data}

	if len(req.SocketIDs) > 0 {
		var missed []string
		for _, id := range req.SocketIDs {
			cn, ok := l.channels.ConnectionBySocketID(req.AppID, id)
			if !ok {
				missed = append(missed, id)
				continue
			}
			cn.Send(frame)
		}
		if len(missed) > 0 {
			return Response{Status: "warning", Message: "some socket ids were not connected"}
		}
		return Response{Status: "success"}
	}

	except := make(map[string]struct{}, len(req.ExceptSocketIDs))
	for _, id := range req.ExceptSocketIDs {
		except[id] = struct{}{}
	}
	l.channels.Broadcast(req.AppID, req.Channel, frame, except)
	return Response{Status: "success"}
}
