package realtime

import (
	"log/slog"
	"sync"
	"time"

	"accounts/cmd/internal/account"
)

// Hub tracks open connections per identity and fans profile changes out to
// them.
//
// Join/Leave are safe under concurrent Broadcast. Broadcast never blocks and
// drops under backpressure.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu         sync.RWMutex
	identities map[string]map[string]*Client
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubMetrics records connection counts and drops.
func WithHubMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:        log,
		identities: make(map[string]map[string]*Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Join subscribes client to changes of its identity.
func (h *Hub) Join(client *Client) {
	if h == nil || client == nil || client.SessionID == "" || client.IdentityID == "" {
		return
	}

	h.mu.Lock()
	set, ok := h.identities[client.IdentityID]
	if !ok {
		set = make(map[string]*Client)
		h.identities[client.IdentityID] = set
	}
	_, existed := set[client.SessionID]
	set[client.SessionID] = client
	h.mu.Unlock()

	if !existed {
		h.metrics.connOpened()
	}
	h.log.Info("ws.subscribe", "identity_id", client.IdentityID, "session_id", client.SessionID)
}

// Leave removes the session and signals its shutdown.
func (h *Hub) Leave(identityID, sessionID string) {
	if h == nil || identityID == "" || sessionID == "" {
		return
	}

	h.mu.Lock()
	cl := h.identities[identityID][sessionID]
	if cl != nil {
		delete(h.identities[identityID], sessionID)
		if len(h.identities[identityID]) == 0 {
			delete(h.identities, identityID)
		}
	}
	h.mu.Unlock()

	// Remove from membership before closing so a broadcaster never holds a
	// client that is being torn down.
	if cl != nil {
		cl.Close()
		h.metrics.connClosed()
		h.log.Info("ws.unsubscribe", "identity_id", identityID, "session_id", sessionID)
	}
}

// Broadcast sends env to every connection of identityID and returns how many
// accepted it.
func (h *Hub) Broadcast(identityID string, env Envelope) int {
	if h == nil {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, c := range h.identities[identityID] {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			sent++
		default:
			h.metrics.drop()
			h.log.Warn("ws.drop", "identity_id", identityID, "session_id", c.SessionID, "type", env.Type)
		}
	}
	return sent
}

// Connections returns the number of open sessions for identityID.
func (h *Hub) Connections(identityID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.identities[identityID])
}

// ProfileUpdated implements account.Notifier.
func (h *Hub) ProfileUpdated(sum account.Summary) {
	if h == nil || sum.ID == "" {
		return
	}
	env := newEnvelope(TypeProfileUpdated, profilePayload(sum), time.Now().UTC())
	n := h.Broadcast(sum.ID, env)
	if n > 0 {
		h.log.Debug("ws.profile_updated", "identity_id", sum.ID, "delivered", n)
	}
}

var _ account.Notifier = (*Hub)(nil)
