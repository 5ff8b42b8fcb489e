package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"accounts/cmd/internal/account"

	"github.com/coder/websocket"
)

// Subprotocol is the only websocket subprotocol the gateway speaks.
const Subprotocol = "accounts.profile.v1"

// ProfileReader serves profile.fetch frames.
type ProfileReader interface {
	GetProfile(ctx context.Context, credential, targetID string) (account.Summary, error)
}

// WSGateway upgrades authenticated requests to profile subscriptions.
//
// It enforces origin policy, subprotocol selection, inbound rate limits and
// heartbeats, and registers each connection with the Hub under its identity.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	verifier account.SessionVerifier
	profiles ProfileReader
	cfg      Config

	// Derived for websocket.Accept, which authorizes cross-origin requests
	// only through OriginPatterns.
	originPatterns []string
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

// WithProfileReader enables snapshots on connect and profile.fetch.
func WithProfileReader(p ProfileReader) GatewayOption {
	return func(g *WSGateway) { g.profiles = p }
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *WSGateway) {
		if l != nil {
			g.log = l
		}
	}
}

// NewWSGateway constructs a gateway.
func NewWSGateway(cfg Config, hub *Hub, verifier account.SessionVerifier, opts ...GatewayOption) (*WSGateway, error) {
	if hub == nil || verifier == nil {
		return nil, errors.New("realtime: hub and verifier are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &WSGateway{
		log:      slog.Default(),
		hub:      hub,
		verifier: verifier,
		cfg:      cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.originPatterns = deriveOriginPatterns(cfg.AllowedOrigins)
	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades and runs one subscription until either
// side goes away.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	cred := credentialFrom(r)
	res := g.verifier.VerifyCredential(r.Context(), cred)
	if res.Status == account.CredentialUnavailable {
		g.log.Warn("ws.reject.unavailable", "remote", r.RemoteAddr)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if !res.Valid() {
		g.log.Info("ws.reject.auth", "status", res.Status.String(), "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	sessionID, err := newSessionID(now)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(res.IdentityID, sessionID, g.cfg.SendQueue)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	// shutdown does not close client.Send; the hub drops the client first.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(client.IdentityID, client.SessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.hub.Join(client)

	ack, _ := json.Marshal(HelloAckPayload{SessionID: sessionID, IdentityID: res.IdentityID})
	g.enqueue(ctx, client, newEnvelope(TypeHelloAck, ack, now))
	if g.profiles != nil {
		g.sendSnapshot(ctx, client, cred)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.validateInbound(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case TypeProfileFetch:
			if g.profiles == nil {
				g.trySendError(ctx, client, "unsupported", "profile fetch disabled")
				continue readLoop
			}
			if !g.sendSnapshot(ctx, client, cred) {
				shutdown(websocket.StatusPolicyViolation, "credential no longer valid")
				break readLoop
			}
		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// sendSnapshot queues the caller's current profile. It reports false when the
// credential is no longer accepted.
func (g *WSGateway) sendSnapshot(ctx context.Context, client *Client, cred string) bool {
	sum, err := g.profiles.GetProfile(ctx, cred, "")
	switch {
	case err == nil:
		g.enqueue(ctx, client, newEnvelope(TypeProfileSnapshot, profilePayload(sum), time.Now().UTC()))
		return true
	case errors.Is(err, account.ErrUnauthenticated):
		g.trySendError(ctx, client, "unauthenticated", "credential rejected")
		return false
	default:
		g.log.Info("ws.snapshot.fail", "session_id", client.SessionID, "err", err)
		g.trySendError(ctx, client, "unavailable", "profile unavailable")
		return true
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(ErrorPayload{Code: code, Message: msg})
	g.enqueue(ctx, client, newEnvelope(TypeError, p, time.Now().UTC()))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// credentialFrom reads the bearer credential from the Authorization header,
// falling back to the access_token query parameter for browser clients.
func credentialFrom(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if parts := strings.SplitN(raw, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores port and scheme.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into host patterns for
// websocket.Accept so both origin checks agree.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	// websocket.Accept matches against host[:port], so allow any port too.
	out := make([]string, 0, 2*len(seen))
	for h := range seen {
		out = append(out, h, h+":*")
	}
	sort.Strings(out)
	return out
}
