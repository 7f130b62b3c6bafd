// Package adminapi implements the signed HTTP admin surface: triggering
// events from server-side application code, and querying channel
// occupancy and presence membership, matching the canonical-string
// HMAC-SHA256 request signing scheme application backends already
// speak.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/automattic/pusherbroker/internal/app"
	"github.com/automattic/pusherbroker/internal/channel"
	"github.com/automattic/pusherbroker/internal/protocol"
)

const maxBatchEvents = 10

var validate = validator.New()

// TriggerRequest is the body of POST /apps/{app_id}/events.
type TriggerRequest struct {
	Name     string   `json:"name" validate:"required"`
	Channels []string `json:"channels" validate:"required,min=1,max=100,dive,required"`
	Channel  string   `json:"channel"`
	Data     string   `json:"data" validate:"required"`
	SocketID string   `json:"socket_id"`
}

// BatchRequest is the body of POST /apps/{app_id}/batch_events.
type BatchRequest struct {
	Batch []TriggerRequest `json:"batch" validate:"required,min=1,dive"`
}

// Server exposes the admin HTTP API over a chi router.
type Server struct {
	apps     app.Registry
	channels *channel.Registry
	router   chi.Router
}

// New builds a Server wired to apps and channels.
func New(apps app.Registry, channels *channel.Registry) *Server {
	s := &Server{apps: apps, channels: channels}
	s.router = s.buildRouter()
	return s
}

// Router returns the http.Handler to mount, e.g. behind an
// http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Use(httprate.LimitByIP(100, time.Minute))

	r.Route("/apps/{app_id}", func(r chi.Router) {
		r.Use(s.requireSignedRequest)
		r.Post("/events", s.handleTriggerEvent)
		r.Post("/batch_events", s.handleBatchEvents)
		r.Get("/channels", s.handleFetchChannels)
		r.Get("/channels/{channel_name}", s.handleFetchChannel)
		r.Get("/channels/{channel_name}/users", s.handleFetchUsers)
	})
	return r
}

type ctxKey int

const appCtxKey ctxKey = iota

// requireSignedRequest resolves {app_id}, verifies the canonical-string
// HMAC signature, and stores the resolved *app.App on the request
// context for downstream handlers.
func (s *Server) requireSignedRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appID := chi.URLParam(r, "app_id")
		a, ok, err := s.apps.FindByID(r.Context(), appID)
		if err != nil || !ok {
			http.Error(w, "unknown app", http.StatusUnauthorized)
			return
		}

		body, err := readAndRestoreBody(r)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		if !verifySignature(r, a, body) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		ctx := withApp(r.Context(), a)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	a := appFrom(r.Context())
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Channel != "" && len(req.Channels) == 0 {
		req.Channels = []string{req.Channel}
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.publish(a, req)
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	a := appFrom(r.Context())
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Batch) > maxBatchEvents {
		http.Error(w, "batch exceeds maximum of 10 events", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, ev := range req.Batch {
		s.publish(a, ev)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) publish(a *app.App, req TriggerRequest) {
	except := map[string]struct{}{}
	if req.SocketID != "" {
		except[req.SocketID] = struct{}{}
	}
	for _, ch := range req.Channels {
		frame := protocol.Frame{Event: req.Name, Channel: ch, Data: json.RawMessage(req.Data)}
		s.channels.Broadcast(a.ID, ch, frame, except)
	}
}

func (s *Server) handleFetchChannels(w http.ResponseWriter, r *http.Request) {
	a := appFrom(r.Context())
	prefix := r.URL.Query().Get("filter_by_prefix")

	out := map[string]interface{}{}
	for _, cn := range s.channels.LocalConnections(a.ID) {
		for _, name := range cn.Subscriptions() {
			if prefix != "" && !strings.HasPrefix(name, prefix) {
				continue
			}
			out[name] = map[string]interface{}{}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": out})
}

func (s *Server) handleFetchChannel(w http.ResponseWriter, r *http.Request) {
	a := appFrom(r.Context())
	name := chi.URLParam(r, "channel_name")
	count, occupied := s.channels.ChannelOccupancy(a.ID, name)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"occupied":           occupied,
		"subscription_count": count,
	})
}

func (s *Server) handleFetchUsers(w http.ResponseWriter, r *http.Request) {
	a := appFrom(r.Context())
	name := chi.URLParam(r, "channel_name")
	if protocol.ClassifyChannel(name) != protocol.KindPresence {
		http.Error(w, "not a presence channel", http.StatusBadRequest)
		return
	}
	users, _ := s.channels.PresenceUserIDs(a.ID, name)
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func withApp(ctx context.Context, a *app.App) context.Context {
	return context.WithValue(ctx, appCtxKey, a)
}

func appFrom(ctx context.Context) *app.App {
	a, _ := ctx.Value(appCtxKey).(*app.App)
	return a
}
