package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType enumerates every envelope type on the wire. The set is closed;
// both ends of the socket and the router switch over it exhaustively.
type MessageType string

const (
	TypeUserJoined   MessageType = "user_joined"
	TypeUserLeft     MessageType = "user_left"
	TypeCursorMove   MessageType = "cursor_move"
	TypeFieldSelect  MessageType = "field_select"
	TypeSchemaUpdate MessageType = "schema_update"
	TypeChat         MessageType = "chat"
)

// Known reports whether t is part of the closed message-type set.
func (t MessageType) Known() bool {
	switch t {
	case TypeUserJoined, TypeUserLeft, TypeCursorMove, TypeFieldSelect, TypeSchemaUpdate, TypeChat:
		return true
	}
	return false
}

var ErrUnknownType = errors.New("UNKNOWN_MESSAGE_TYPE")

// Envelope is the wire unit. Payload shape depends on Type and stays raw
// until a consumer decodes it, so fields added by a newer peer pass through
// untouched instead of breaking older clients.
type Envelope struct {
	Type      MessageType     `json:"type"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Now returns the envelope timestamp for the current instant.
func Now() int64 { return time.Now().UnixMilli() }

// NewEnvelope stamps and wraps a typed payload.
func NewEnvelope(t MessageType, userID, userName string, payload any) (Envelope, error) {
	env := Envelope{Type: t, UserID: userID, UserName: userName, Timestamp: Now()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = b
	}
	return env, nil
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a wire frame. Envelopes of a type outside the closed set are
// rejected here so the router never dispatches them.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Known() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// JoinedPayload carries the peer's join instant for stable presence ordering.
type JoinedPayload struct {
	JoinedAt int64 `json:"joinedAt"`
}

type CursorPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FieldSelectPayload carries a soft-lock selection. A nil FieldID clears the
// selection.
type FieldSelectPayload struct {
	FieldID *string `json:"fieldId"`
}

// SchemaUpdatePayload is either a full snapshot (Schema + Version, the
// default) or a single-field patch (FieldID + Patch + Clock) when the session
// runs in field-level mode.
type SchemaUpdatePayload struct {
	Schema  json.RawMessage `json:"schema,omitempty"`
	Version uint64          `json:"version"`
	FieldID string          `json:"fieldId,omitempty"`
	Patch   json.RawMessage `json:"patch,omitempty"`
	Clock   uint64          `json:"clock,omitempty"`
}

type ChatPayload struct {
	Message string `json:"message"`
}

func DecodeJoined(env Envelope) (JoinedPayload, error) {
	var p JoinedPayload
	err := decodePayload(env, &p)
	return p, err
}

func DecodeCursor(env Envelope) (CursorPayload, error) {
	var p CursorPayload
	err := decodePayload(env, &p)
	return p, err
}

func DecodeFieldSelect(env Envelope) (FieldSelectPayload, error) {
	var p FieldSelectPayload
	err := decodePayload(env, &p)
	return p, err
}

func DecodeSchemaUpdate(env Envelope) (SchemaUpdatePayload, error) {
	var p SchemaUpdatePayload
	err := decodePayload(env, &p)
	return p, err
}

func DecodeChat(env Envelope) (ChatPayload, error) {
	var p ChatPayload
	err := decodePayload(env, &p)
	return p, err
}

func decodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
