package realtime

import "sync"

// Client represents one connected websocket session of an identity.
//
// Send is never closed by the server so concurrent broadcasters cannot panic.
// done signals goroutines to stop and Close is idempotent.
type Client struct {
	SessionID  string
	IdentityID string
	Send       chan Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(identityID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID:  sessionID,
		IdentityID: identityID,
		Send:       make(chan Envelope, sendQueueSize),
		done:       make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
