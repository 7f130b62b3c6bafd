// Package controllers holds the broker's built-in event handlers,
// wired through internal/handler's Resolver under their kebab-case
// namespaces. They exist to exercise both resolution strategies and to
// give operators a working example to copy when adding their own.
package controllers

import (
	"encoding/json"
	"fmt"

	"github.com/automattic/pusherbroker/internal/dispatch"
)

// Ping answers "ping.echo" with whatever payload it was sent, useful
// for client-side round-trip latency checks above the protocol-level
// pusher:ping/pong.
type Ping struct{}

func (Ping) Echo(ctx *dispatch.Context, data json.RawMessage) (interface{}, error) {
	var payload interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// Whoami answers "whoami.me" with the dispatching connection's socket
// id, app id and authenticated principal (if any). It requires no
// authentication, demonstrating the AuthRequirer opt-out.
type Whoami struct{}

func (Whoami) RequiresAuth() bool { return false }

func (Whoami) Me(ctx *dispatch.Context, _ json.RawMessage) (interface{}, error) {
	principal, authenticated := ctx.Principal()
	return map[string]interface{}{
		"socket_id":     ctx.SocketID(),
		"app_id":        ctx.AppID(),
		"authenticated": authenticated,
		"principal":     principal,
	}, nil
}

// Echo answers "echo.broadcast" by both replying to the caller and
// broadcasting the same payload to the triggering event's channel,
// demonstrating the Broadcast/Success split.
type Echo struct{}

func (Echo) Broadcast(ctx *dispatch.Context, data json.RawMessage) (interface{}, error) {
	var payload interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
	}
	channel := ctx.Channel()
	if channel != "" {
		if err := ctx.Broadcast(channel, "echo.broadcast", payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// AdminTools is registered under the folder-style namespace
// "admin/tools" (rather than the direct "admin-tools" key), so
// resolving "admin-tools.status" exercises the Resolver's
// decreasing-depth folder-split strategy instead of a direct hit.
type AdminTools struct{}

func (AdminTools) RequiresAuth() bool { return true }

func (AdminTools) Status(ctx *dispatch.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"status":  "ok",
		"message": fmt.Sprintf("admin tools reachable for %s", ctx.SocketID()),
	}, nil
}
