// Package gateway implements the Protocol State Machine (C4) and the
// Admission & Lifecycle sequence (C8): the WebSocket upgrade, the
// per-connection read/write pumps, the ping fast path, and the
// subscribe/unsubscribe/client-event/dispatch routing that turns raw
// frames into Channel Registry and Dispatch Engine calls.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/automattic/pusherbroker/internal/app"
	"github.com/automattic/pusherbroker/internal/channel"
	"github.com/automattic/pusherbroker/internal/conn"
	"github.com/automattic/pusherbroker/internal/dispatch"
	"github.com/automattic/pusherbroker/internal/logging"
	"github.com/automattic/pusherbroker/internal/metrics"
	"github.com/automattic/pusherbroker/internal/protocol"
)

// state is the connection's position in the protocol state machine:
// Pending (admitted, not yet upgraded), Open (serving frames), Closing
// (teardown started) or Closed (fully torn down).
type state int32

const (
	statePending state = iota
	stateOpen
	stateClosing
	stateClosed
)

// Config controls gateway-wide limits and timeouts. New uses the values
// as given; DefaultConfig supplies the out-of-the-box set.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendQueueDepth  int
	PongWait        time.Duration
	PingPeriod      time.Duration
	WriteWait       time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	MaxMessageBytes int64
}

// DefaultConfig returns the gateway's out-of-the-box limits.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendQueueDepth:  256,
		PongWait:        60 * time.Second,
		PingPeriod:      30 * time.Second,
		WriteWait:       10 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
		MaxMessageBytes: 64 * 1024,
	}
}

var pongFrame, _ = json.Marshal(protocol.Frame{Event: protocol.OutPong})

// AppResolver is the narrow slice of app.Registry the gateway actually
// needs: resolving a client-presented app key during admission. Both
// app.Registry implementations and app.GuardedResolver satisfy it.
type AppResolver interface {
	FindByKey(ctx context.Context, key string) (*app.App, bool, error)
}

// Gateway wires the App Registry, Channel Registry and Dispatch Engine
// together behind an http.Handler that upgrades and serves WebSocket
// connections.
type Gateway struct {
	cfg        Config
	apps       AppResolver
	channels   *channel.Registry
	dispatcher *dispatch.Engine
	stats      metrics.Sink
	upgrader   websocket.Upgrader
}

// New builds a Gateway. stats may be metrics.Noop() to disable
// statistics entirely.
func New(cfg Config, apps AppResolver, channels *channel.Registry, dispatcher *dispatch.Engine, stats metrics.Sink) *Gateway {
	return &Gateway{
		cfg:        cfg,
		apps:       apps,
		channels:   channels,
		dispatcher: dispatcher,
		stats:      stats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true }, // origin enforced after app resolution
		},
	}
}

// Router builds the mux.Router exposing the WebSocket endpoint at
// "/app/{key}", matching the client library's connection URL shape.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/app/{key}", g.ServeHTTP)
	return r
}

// ServeHTTP runs the onOpen admission sequence and, on success, hands
// the upgraded connection to serve. The key/origin/capacity checks are
// reported as pusher:error frames over the upgraded socket rather than
// an HTTP status, matching the client library's own expectation that
// every rejection arrives as a wire event it can surface to the app.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.Component("gateway")

	key := mux.Vars(r)["key"]
	if key == "" {
		http.Error(w, "missing app key", http.StatusBadRequest)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !g.channels.AcceptsNewConnections() {
		rejectAndClose(ws, "The server is not currently accepting new connections", 4200)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	a, ok, err := g.apps.FindByKey(ctx, key)
	cancel()
	if err != nil || !ok {
		rejectAndClose(ws, fmt.Sprintf("Could not find app key `%s`.", key), 4001)
		return
	}

	origin := r.Header.Get("Origin")
	if origin != "" && !a.AllowsOrigin(origin) {
		rejectAndClose(ws, "Origin not allowed", 4009)
		return
	}

	if a.Capacity != nil && g.channels.GlobalConnectionsCount(a.ID) >= *a.Capacity {
		rejectAndClose(ws, "Over capacity", 4100)
		return
	}

	socketID, err := protocol.NewSocketID()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate socket id")
		ws.Close()
		return
	}

	remoteAddr := remoteAddrOf(r)
	var limiter *rate.Limiter
	if g.cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(g.cfg.RateLimitRPS), g.cfg.RateLimitBurst)
	}
	cn := conn.New(socketID, a, remoteAddr, g.cfg.SendQueueDepth, limiter)

	g.channels.RegisterConnection(cn)
	g.stats.Incr(metrics.Connections, 1)

	var st atomic.Int32
	st.Store(int32(stateOpen))

	established, _ := protocol.EncodeDataString(map[string]interface{}{"socket_id": socketID, "activity_timeout": 30})
	cn.Send(protocol.Frame{Event: protocol.OutConnectionEstablished, Data: established})

	go g.writePump(cn, ws)
	g.readPump(cn, ws, &st)
}

// rejectAndClose writes a pusher:error frame and closes the socket,
// for admission failures discovered only after the WebSocket upgrade
// has already completed.
func rejectAndClose(ws *websocket.Conn, message string, code int) {
	data, _ := json.Marshal(protocol.NewErrorFrame(message, code))
	ws.WriteMessage(websocket.TextMessage, data)
	ws.Close()
}

func remoteAddrOf(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}

// writePump is the connection's single writer: it drains Outbound()
// and owns every WriteMessage call, so no two goroutines ever write to
// the same *websocket.Conn concurrently.
func (g *Gateway) writePump(cn *conn.Connection, ws *websocket.Conn) {
	ticker := time.NewTicker(g.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-cn.Outbound():
			if !ok {
				ws.Close()
				return
			}
			ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump is the connection's single reader. It runs the protocol
// state machine inline: each inbound frame is classified and routed
// before the next Read call.
func (g *Gateway) readPump(cn *conn.Connection, ws *websocket.Conn, st *atomic.Int32) {
	defer g.onClose(cn, st)

	ws.SetReadLimit(g.cfg.MaxMessageBytes)
	ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		cn.TouchPong()
		ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !cn.Allow() {
			cn.Send(protocol.NewErrorFrame("rate limit exceeded", 4009))
			continue
		}
		g.stats.Incr(metrics.WSMessagesIn, 1)

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			cn.Send(protocol.NewErrorFrame("invalid frame", 4200))
			continue
		}
		g.handleFrame(cn, frame)
	}
}

func (g *Gateway) handleFrame(cn *conn.Connection, frame protocol.Frame) {
	event := protocol.NormalizeInputEvent(frame.Event)

	switch event {
	case protocol.EventPing:
		cn.SendRaw(pongFrame)
		return
	case protocol.EventSubscribe:
		g.handleSubscribe(cn, frame)
		return
	case protocol.EventUnsubscribe:
		g.handleUnsubscribe(cn, frame)
		return
	}

	if protocol.IsReserved(event) {
		// Unknown pusher:/pusher_internal: event; not an error, just ignored.
		return
	}

	if protocol.IsClientEvent(event) {
		g.handleClientEvent(cn, event, frame)
		return
	}

	if frame.Channel != "" && !cn.IsSubscribed(frame.Channel) {
		cn.Send(protocol.NewEventErrorFrame(event, "Subscription not established", true))
		return
	}

	g.dispatcher.Dispatch(cn, event, frame.Data, frame.Channel)
}

func (g *Gateway) handleSubscribe(cn *conn.Connection, frame protocol.Frame) {
	var data protocol.SubscribeData
	if err := json.Unmarshal(frame.Data, &data); err != nil || data.Channel == "" {
		cn.Send(protocol.NewErrorFrame("invalid subscribe payload", 4201))
		return
	}
	if err := g.channels.Subscribe(cn, data); err != nil {
		cn.Send(protocol.NewErrorFrame(err.Error(), 4009))
	}
}

func (g *Gateway) handleUnsubscribe(cn *conn.Connection, frame protocol.Frame) {
	var data protocol.SubscribeData
	if err := json.Unmarshal(frame.Data, &data); err != nil || data.Channel == "" {
		return
	}
	g.channels.Unsubscribe(cn, data.Channel)
}

func (g *Gateway) handleClientEvent(cn *conn.Connection, event string, frame protocol.Frame) {
	if cn.App == nil || !cn.App.ClientMessagesEnabled {
		cn.Send(protocol.NewEventErrorFrame(event, "client events are disabled for this app", true))
		return
	}
	if frame.Channel == "" || !cn.IsSubscribed(frame.Channel) {
		cn.Send(protocol.NewEventErrorFrame(event, "subscription not established", true))
		return
	}
	except := map[string]struct{}{cn.SocketID: {}}
	g.channels.Broadcast(cn.App.ID, frame.Channel, protocol.Frame{
		Event:   event,
		Channel: frame.Channel,
		Data:    frame.Data,
	}, except)
	g.stats.Incr(metrics.WSMessagesOut, 1)
}

func (g *Gateway) onClose(cn *conn.Connection, st *atomic.Int32) {
	st.Store(int32(stateClosing))
	g.channels.UnsubscribeFromAll(cn)
	g.channels.UnregisterConnection(cn)
	cn.Close()
	g.stats.Incr(metrics.Disconnections, 1)
	st.Store(int32(stateClosed))
}
