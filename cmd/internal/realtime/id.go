package realtime

import (
	"time"

	"accounts/cmd/identity/ids"
)

// newSessionID returns a ULID naming one websocket connection.
func newSessionID(now time.Time) (string, error) {
	return ids.New(now)
}

// newEnvelopeID returns a ULID so envelope ids sort by emission time in logs.
func newEnvelopeID(now time.Time) (string, error) {
	return ids.New(now)
}
