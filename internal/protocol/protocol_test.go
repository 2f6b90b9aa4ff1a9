package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeKnownKinds(t *testing.T) {
	raw := []byte(`{"type":"presence_update","payload":{"userId":"u-2","status":"away"}}`)
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Kind != KindPresenceUpdate {
		t.Fatalf("Kind = %q, want %q", env.Kind, KindPresenceUpdate)
	}
	var update PresenceUpdate
	if err := env.DecodePayload(&update); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if update.UserID != "u-2" || update.Status != StatusAway {
		t.Errorf("update = %+v, want u-2/away", update)
	}

	raw = []byte(`{"type":"chat_typing","payload":{"threadId":"t-1","userId":"u-3","userName":"Robin","isTyping":true}}`)
	env, err = Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	var typing ChatTyping
	if err := env.DecodePayload(&typing); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if typing != (ChatTyping{ThreadID: "t-1", UserID: "u-3", UserName: "Robin", IsTyping: true}) {
		t.Errorf("typing = %+v", typing)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{"type":`},
		{name: "array", raw: `[1,2,3]`},
		{name: "missing type", raw: `{"payload":{}}`},
		{name: "empty type", raw: `{"type":""}`},
		{name: "numeric type", raw: `{"type":7}`},
		{name: "presence without payload", raw: `{"type":"presence_update"}`},
		{name: "presence bad status", raw: `{"type":"presence_update","payload":{"userId":"u","status":"busy"}}`},
		{name: "presence missing user", raw: `{"type":"presence_update","payload":{"status":"online"}}`},
		{name: "typing string flag", raw: `{"type":"chat_typing","payload":{"threadId":"t","userId":"u","isTyping":"yes"}}`},
		{name: "typing missing thread", raw: `{"type":"chat_typing","payload":{"userId":"u","isTyping":true}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if err == nil {
				t.Fatal("Decode() error = nil, want error")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeApplicationKindPassesThrough(t *testing.T) {
	env, err := Decode([]byte(`{"type":"ticket_assigned","payload":{"ticket":42}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Kind != "ticket_assigned" {
		t.Errorf("Kind = %q, want ticket_assigned", env.Kind)
	}
	if string(env.Payload) != `{"ticket":42}` {
		t.Errorf("Payload = %s", env.Payload)
	}
}

func TestNewEnvelopeAndEncode(t *testing.T) {
	env, err := NewEnvelope(KindPresence, PresenceHeartbeat{Status: StatusOnline})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got := string(data); got != `{"type":"presence","payload":{"status":"online"}}` {
		t.Errorf("Encode() = %s", got)
	}

	raw := json.RawMessage(`{"a":1}`)
	env, err = NewEnvelope("custom", raw)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if string(env.Payload) != `{"a":1}` {
		t.Errorf("Payload = %s, want raw passthrough", env.Payload)
	}

	env, err = NewEnvelope("ping", nil)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	data, _ = Encode(env)
	if strings.Contains(string(data), "payload") {
		t.Errorf("Encode() = %s, want no payload field", data)
	}

	if _, err := NewEnvelope(" ", nil); err == nil {
		t.Error("NewEnvelope() with blank kind error = nil")
	}
	if _, err := Encode(Envelope{}); err == nil {
		t.Error("Encode() with blank kind error = nil")
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	var update PresenceUpdate
	if err := (Envelope{Kind: "x"}).DecodePayload(&update); !errors.Is(err, ErrMalformed) {
		t.Errorf("empty payload error = %v, want ErrMalformed", err)
	}
	if err := (Envelope{Kind: "x", Payload: json.RawMessage(`"str"`)}).DecodePayload(&update); !errors.Is(err, ErrMalformed) {
		t.Errorf("wrong shape error = %v, want ErrMalformed", err)
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw     string
		want    Status
		wantErr bool
	}{
		{raw: "online", want: StatusOnline},
		{raw: " Away ", want: StatusAway},
		{raw: "OFFLINE", want: StatusOffline},
		{raw: "busy", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseStatus(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStatus(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
