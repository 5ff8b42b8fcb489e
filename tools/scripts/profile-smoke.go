// Package main provides a CI-friendly smoke test for a running accounts server.
//
// It validates:
//   - signup + signin over HTTP
//   - websocket handshake + subprotocol selection with a bearer credential
//   - hello.ack and the initial profile.snapshot
//   - profile.updated fanout to every open connection of the identity
//   - profile.fetch returning the updated snapshot
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	subprotocol  = "accounts.profile.v1"
	version      = 1
	maxReadBytes = 1 << 20 // 1MiB

	typeHelloAck        = "hello.ack"
	typeProfileFetch    = "profile.fetch"
	typeProfileSnapshot = "profile.snapshot"
	typeProfileUpdated  = "profile.updated"
	typeError           = "error"
)

type envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

type user struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	OrgEmail string `json:"org_email"`
}

type profilePayload struct {
	User     user `json:"user"`
	Complete bool `json:"complete"`
}

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the accounts server")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		orgMail = flag.String("org-email", "smoke@corp.example", "Organization email to set")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := wsURLFor(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	hc := &http.Client{Timeout: *timeout}

	email := fmt.Sprintf("smoke-%d@example.com", time.Now().UnixNano())
	mustHTTP(root, hc, http.MethodPost, *baseURL+"/signup", "", map[string]string{
		"name": "Smoke", "email": email, "password": "smoke-pass-1",
	}, http.StatusCreated, nil)

	var signin struct {
		Token string `json:"token"`
		User  user   `json:"user"`
	}
	mustHTTP(root, hc, http.MethodPost, *baseURL+"/signin", "", map[string]string{
		"email": email, "password": "smoke-pass-1",
	}, http.StatusOK, &signin)
	if signin.Token == "" || signin.User.ID == "" {
		fatalf("signin returned no token or user id")
	}

	a := mustConnect(root, "A", wsURL, *origin, signin.Token, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", wsURL, *origin, signin.Token, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: user=%s A=%s B=%s origin=%q\n", signin.User.ID, a.sessionID, b.sessionID, *origin)
	}

	for _, c := range []*smokeClient{a, b} {
		snap := c.mustReadProfile(root, typeProfileSnapshot, *timeout)
		if snap.User.ID != signin.User.ID || snap.Complete {
			fatalf("initial snapshot mismatch (%s): %+v", c.name, snap)
		}
	}

	mustHTTP(root, hc, http.MethodPut, *baseURL+"/user/update", signin.Token, map[string]string{
		"name": "Smoke Updated", "org_email": *orgMail,
	}, http.StatusOK, nil)

	for _, c := range []*smokeClient{a, b} {
		upd := c.mustReadProfile(root, typeProfileUpdated, *timeout)
		if upd.User.Name != "Smoke Updated" || upd.User.OrgEmail != *orgMail || !upd.Complete {
			fatalf("profile.updated mismatch (%s): %+v", c.name, upd)
		}
	}

	mustWriteWithTimeout(root, a.conn, envelope{
		V:       version,
		Type:    typeProfileFetch,
		ID:      "A-fetch",
		TS:      time.Now().UTC(),
		Payload: json.RawMessage(`{}`),
	}, *timeout)
	snap := a.mustReadProfile(root, typeProfileSnapshot, *timeout)
	if snap.User.Name != "Smoke Updated" {
		fatalf("fetched snapshot is stale: %+v", snap)
	}

	fmt.Println("OK: profile smoke passed")
}

func wsURLFor(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path += "/ws/profile"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustHTTP(parent context.Context, hc *http.Client, method, target, bearer string, body any, want int, out any) {
	ctx, cancel := context.WithTimeout(parent, hc.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(mustJSON(body)))
	if err != nil {
		fatalf("build %s %s: %v", method, target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := hc.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != want {
		fatalf("%s %s: status=%d want=%d body=%s", method, target, resp.StatusCode, want, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, target, err)
		}
	}
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustReadUntilType(parent, typeHelloAck, stepTimeout)
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env envelope
			if err := json.Unmarshal(data, &env); err != nil || env.V != version || env.Type == "" {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %q", data):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadProfile(parent context.Context, wantType string, stepTimeout time.Duration) profilePayload {
	env := c.mustReadUntilType(parent, wantType, stepTimeout)
	var p profilePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal %s payload (%s): %v", wantType, c.name, err)
	}
	return p
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == typeError {
				fatalf("server error (%s): %s", c.name, env.Payload)
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, mustJSON(env)); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
