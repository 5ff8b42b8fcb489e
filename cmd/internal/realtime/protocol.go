package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"accounts/cmd/internal/account"
)

// Version is embedded into every envelope.
const Version = 1

// Envelope types.
const (
	TypeHelloAck        = "hello.ack"
	TypeProfileFetch    = "profile.fetch"
	TypeProfileSnapshot = "profile.snapshot"
	TypeProfileUpdated  = "profile.updated"
	TypeError           = "error"
)

var clientTypes = map[string]struct{}{
	TypeProfileFetch: {},
}

// Envelope is the wire frame for both directions.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// validateInbound checks a client frame.
func (e Envelope) validateInbound() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := clientTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	return nil
}

type HelloAckPayload struct {
	SessionID  string `json:"session_id"`
	IdentityID string `json:"identity_id"`
}

// ProfilePayload carries a profile summary for snapshot and update frames.
type ProfilePayload struct {
	User     account.Summary `json:"user"`
	Complete bool            `json:"complete"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func profilePayload(sum account.Summary) json.RawMessage {
	b, _ := json.Marshal(ProfilePayload{User: sum, Complete: sum.Complete()})
	return b
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) Envelope {
	id, err := newEnvelopeID(ts)
	if err != nil {
		id = "-"
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}
