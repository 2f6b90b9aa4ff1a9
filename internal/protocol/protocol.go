// Package protocol defines the JSON frames exchanged with the sync endpoint.
//
// Every frame is an envelope carrying a kind discriminator and a
// kind-specific payload:
//
//	{"type": "presence_update", "payload": {"userId": "u1", "status": "away"}}
//
// Kinds the client does not interpret are passed through untouched.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Frame kinds understood by the client.
const (
	// KindPresenceUpdate announces a user's status. Sent and received.
	KindPresenceUpdate = "presence_update"
	// KindChatTyping announces typing start/stop in a thread. Sent and received.
	KindChatTyping = "chat_typing"
	// KindPresence is the heartbeat re-announcement of the local status.
	KindPresence = "presence"
	// KindTyping is the action form of a typing announcement.
	KindTyping = "typing"
)

// ErrMalformed marks frames that cannot be decoded or fail validation.
var ErrMalformed = errors.New("malformed frame")

// Envelope is a single frame on the wire.
type Envelope struct {
	Kind    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Status is a presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

// ParseStatus normalizes and validates a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown presence status %q", raw)
	}
	return s, nil
}

// PresenceUpdate is the payload of KindPresenceUpdate.
type PresenceUpdate struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

// PresenceHeartbeat is the payload of KindPresence.
type PresenceHeartbeat struct {
	Status Status `json:"status"`
}

// ChatTyping is the payload of KindChatTyping and KindTyping.
type ChatTyping struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// NewEnvelope marshals payload into an envelope of the given kind.
func NewEnvelope(kind string, payload any) (Envelope, error) {
	if strings.TrimSpace(kind) == "" {
		return Envelope{}, errors.New("frame kind is required")
	}
	env := Envelope{Kind: kind}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env.Payload = data
	return env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	if strings.TrimSpace(env.Kind) == "" {
		return nil, errors.New("frame kind is required")
	}
	return json.Marshal(env)
}

// Decode parses and validates an inbound frame. Payloads of known kinds are
// checked against their schema; other kinds only need a well-formed envelope.
func Decode(raw []byte) (Envelope, error) {
	if err := validateFrame(raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s frame has no payload", ErrMalformed, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Kind, err)
	}
	return nil
}
