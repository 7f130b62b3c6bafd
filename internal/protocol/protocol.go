// Package protocol defines the Pusher-compatible wire format: the event
// envelope, the small set of reserved event names, and the HMAC
// signature scheme used by private/presence subscriptions. It is the
// one package every other internal package imports for framing, so it
// stays free of channel/connection/dispatch logic.
package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Frame is the wire envelope for every event, in and out.
//
// Data is kept as RawMessage on decode so callers can re-marshal it
// either as a JSON object (protocol internals) or as a JSON-encoded
// *string* (connection_established, pusher_internal:*) per the wire oddity
// noted below.
type Frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

// Reserved event name prefixes.
const (
	PrefixPusher         = "pusher:"
	PrefixPusherDot      = "pusher."
	PrefixPusherInternal = "pusher_internal:"
	PrefixClient         = "client-"
	PrefixPrivate        = "private-"
	PrefixPresence       = "presence-"
)

// Canonical input event names. Both "pusher:x" and "pusher.x" spellings
// are accepted on input; NormalizeInputEvent
// collapses them to one of these constants.
const (
	EventPing        = "pusher:ping"
	EventSubscribe   = "pusher:subscribe"
	EventUnsubscribe = "pusher:unsubscribe"
)

// Canonical output event names. The source mixes dot and colon
// separators in its own output, and implementations must
// preserve that bug-compatible contract rather than unify it.
const (
	OutConnectionEstablished = "pusher.connection_established"
	OutPong                  = "pusher.pong"
	OutError                 = "pusher:error"
	OutSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	OutMemberAdded           = "pusher_internal:member_added"
	OutMemberRemoved         = "pusher_internal:member_removed"
)

// NormalizeInputEvent maps an input event name using either the
// "pusher:" or "pusher." spelling onto its canonical colon form, so the
// protocol state machine only ever switches on one spelling. Non-reserved
// events pass through unchanged.
func NormalizeInputEvent(event string) string {
	if strings.HasPrefix(event, PrefixPusherDot) && !strings.HasPrefix(event, PrefixPusherInternal) {
		return PrefixPusher + strings.TrimPrefix(event, PrefixPusherDot)
	}
	return event
}

// IsReserved reports whether event falls in a namespace the protocol
// owns (pusher:, pusher., pusher_internal:) and therefore must never be
// routed to the dispatch engine.
func IsReserved(event string) bool {
	return strings.HasPrefix(event, PrefixPusher) ||
		strings.HasPrefix(event, PrefixPusherDot) ||
		strings.HasPrefix(event, PrefixPusherInternal)
}

// IsClientEvent reports whether event is a client-originated channel
// message eligible for client-messages-enabled broadcast.
func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, PrefixClient)
}

// ChannelKind classifies a channel name by its prefix.
type ChannelKind int

const (
	KindPublic ChannelKind = iota
	KindPrivate
	KindPresence
)

// ClassifyChannel returns the ChannelKind implied by name's prefix.
func ClassifyChannel(name string) ChannelKind {
	switch {
	case strings.HasPrefix(name, PrefixPresence):
		return KindPresence
	case strings.HasPrefix(name, PrefixPrivate):
		return KindPrivate
	default:
		return KindPublic
	}
}

// RequiresAuth reports whether kind requires a subscribe-time signature.
func (k ChannelKind) RequiresAuth() bool {
	return k == KindPrivate || k == KindPresence
}

// SubscribeData is the payload of a pusher:subscribe event.
type SubscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// PresenceMemberData is the per-connection payload carried in a
// presence channel_data string.
type PresenceMemberData struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// SignAuth computes the "<app_key>:<hex_hmac_sha256>" string a client
// would present in SubscribeData.Auth. message is the
// "<socket_id>:<channel>" (private) or "<socket_id>:<channel>:<channel_data>"
// (presence) HMAC input.
func SignAuth(appKey, secret, message string) string {
	return appKey + ":" + hexHMAC(secret, message)
}

// VerifyAuth validates a presented auth string against the expected
// HMAC message, keyed by the app secret. It never leaks timing on the
// secret thanks to hmac.Equal.
func VerifyAuth(appKey, secret, message, presented string) bool {
	prefix := appKey + ":"
	if !strings.HasPrefix(presented, prefix) {
		return false
	}
	presentedMAC, err := hex.DecodeString(strings.TrimPrefix(presented, prefix))
	if err != nil {
		return false
	}
	expectedMAC := computeHMAC(secret, message)
	return hmac.Equal(presentedMAC, expectedMAC)
}

func hexHMAC(secret, message string) string {
	return hex.EncodeToString(computeHMAC(secret, message))
}

func computeHMAC(secret, message string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// PrivateAuthMessage builds the HMAC message for a private channel.
func PrivateAuthMessage(socketID, channel string) string {
	return socketID + ":" + channel
}

// PresenceAuthMessage builds the HMAC message for a presence channel.
func PresenceAuthMessage(socketID, channel, channelData string) string {
	return socketID + ":" + channel + ":" + channelData
}

// EncodeDataString JSON-encodes v and then JSON-encodes the *result* as
// a string, matching the "data is a JSON-encoded string" wire oddity
// for pusher.connection_established and pusher_internal:* frames.
func EncodeDataString(v interface{}) (json.RawMessage, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(inner))
}

// ErrorPayload is the decoded form of a pusher:error data object.
// Unlike connection_established, error data is a plain JSON object,
// not a doubly-encoded string.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// NewErrorFrame builds a pusher:error frame with the given message/code.
func NewErrorFrame(message string, code int) Frame {
	data, _ := json.Marshal(ErrorPayload{Message: message, Code: code})
	return Frame{Event: OutError, Data: data}
}

// NewEventErrorFrame builds a "<event>:error" message-scoped error
// frame.
func NewEventErrorFrame(event, message string, reported bool) Frame {
	payload := map[string]interface{}{"message": message}
	if reported {
		payload["meta"] = map[string]interface{}{"reported": true}
	}
	data, _ := json.Marshal(payload)
	return Frame{Event: fmt.Sprintf("%s:error", event), Data: data}
}
