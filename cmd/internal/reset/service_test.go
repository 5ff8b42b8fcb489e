package reset

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"accounts/cmd/identity"
	"accounts/cmd/security/token"
)

type plainDeriver struct{}

func (plainDeriver) Derive(p string) (string, string) {
	if p == "" {
		return "", ""
	}
	return "salt", "derived:" + p
}

type failingDeriver struct{}

func (failingDeriver) Derive(string) (string, string) { return "", "" }

type captureMailer struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (m *captureMailer) SendPasswordReset(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return m.err
}

func (m *captureMailer) last(t *testing.T) Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) == 0 {
		t.Fatalf("expected a reset message")
	}
	return m.msgs[len(m.msgs)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc    *Service
	store  *identity.MemoryStore
	mailer *captureMailer
	clock  *clock
	user   identity.User
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := identity.NewMemoryStore(identity.WithMemoryClock(clk.Now))
	u, err := st.CreateUser(context.Background(), identity.CreateUserInput{
		Name:   "Alice",
		Email:  "Alice@Example.com",
		Salt:   "salt",
		Secret: "derived:old-password",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	m := &captureMailer{}
	base := []Option{
		WithMailer(m),
		WithClock(clk.Now),
		WithHasher(token.NewHasher([]byte("0123456789abcdef0123456789abcdef"))),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	svc, err := NewService(st, plainDeriver{}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return fixture{svc: svc, store: st, mailer: m, clock: clk, user: u}
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	if _, err := NewService(nil, plainDeriver{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil store, got %v", err)
	}
	if _, err := NewService(identity.NewMemoryStore(), nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil deriver, got %v", err)
	}
}

func TestRequest_StoresHashAndMailsPlainToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Request(ctx, "  ALICE@example.com "); err != nil {
		t.Fatalf("Request: %v", err)
	}
	msg := f.mailer.last(t)
	if msg.UserID != f.user.ID || msg.Email != "alice@example.com" {
		t.Fatalf("unexpected message recipient: %+v", msg)
	}
	if msg.Token == "" {
		t.Fatalf("expected plain token in message")
	}

	got, err := f.store.GetUserByID(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if got.ResetToken == "" || got.ResetToken == msg.Token {
		t.Fatalf("expected stored token to be a hash, got %q", got.ResetToken)
	}
	if got.ResetExpiresAt == nil || !got.ResetExpiresAt.Equal(f.clock.Now().Add(15*time.Minute)) {
		t.Fatalf("unexpected expiry: %v", got.ResetExpiresAt)
	}
	if got.Secret != f.user.Secret {
		t.Fatalf("request must not touch the secret")
	}
}

func TestRequest_UnknownEmailIsSilent(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Request(context.Background(), "nobody@example.com"); err != nil {
		t.Fatalf("expected nil for unknown email, got %v", err)
	}
	if len(f.mailer.msgs) != 0 {
		t.Fatalf("expected no message, got %d", len(f.mailer.msgs))
	}
}

func TestRequest_EmptyEmail(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Request(context.Background(), "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRequest_MailerFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp down")
	if err := f.svc.Request(context.Background(), "alice@example.com"); err == nil {
		t.Fatalf("expected mailer error")
	}
}

func TestConsume_ReplacesSecretAndClearsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.Request(ctx, "alice@example.com"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	plain := f.mailer.last(t).Token

	u, err := f.svc.Consume(ctx, plain, "new-password-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if u.Secret != "derived:new-password-1" {
		t.Fatalf("expected new secret, got %q", u.Secret)
	}
	if u.ResetToken != "" || u.ResetExpiresAt != nil {
		t.Fatalf("expected token cleared, got %q %v", u.ResetToken, u.ResetExpiresAt)
	}

	if _, err := f.svc.Consume(ctx, plain, "new-password-2"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected reuse to fail with ErrInvalidToken, got %v", err)
	}
}

func TestConsume_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.Request(ctx, "alice@example.com"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	plain := f.mailer.last(t).Token
	f.clock.Advance(16 * time.Minute)

	if _, err := f.svc.Consume(ctx, plain, "new-password-1"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	got, _ := f.store.GetUserByID(ctx, f.user.ID)
	if got.Secret != f.user.Secret {
		t.Fatalf("expired token must not change the secret")
	}
}

func TestConsume_SecondRequestInvalidatesFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.svc.Request(ctx, "alice@example.com")
	first := f.mailer.last(t).Token
	_ = f.svc.Request(ctx, "alice@example.com")
	second := f.mailer.last(t).Token

	if _, err := f.svc.Consume(ctx, first, "new-password-1"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected first token to be invalid, got %v", err)
	}
	if _, err := f.svc.Consume(ctx, second, "new-password-1"); err != nil {
		t.Fatalf("expected second token to work, got %v", err)
	}
}

func TestConsume_RejectsInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Consume(ctx, "", "new-password-1"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
	if _, err := f.svc.Consume(ctx, "whatever", "abc"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short password, got %v", err)
	}
	if _, err := f.svc.Consume(ctx, "unknown-token", "new-password-1"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unknown token, got %v", err)
	}
}

func TestConsume_DeriveFailureLeavesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.svc.Request(ctx, "alice@example.com")
	plain := f.mailer.last(t).Token

	f.svc.deriver = failingDeriver{}
	if _, err := f.svc.Consume(ctx, plain, "new-password-1"); !identity.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	got, _ := f.store.GetUserByID(ctx, f.user.ID)
	if got.Secret != f.user.Secret || got.ResetToken == "" {
		t.Fatalf("record must be unchanged after derive failure")
	}
}

// stalledStore holds lookups until the caller's deadline passes.
type stalledStore struct {
	identity.Store
}

func (stalledStore) GetUserByEmail(ctx context.Context, _ string) (identity.User, error) {
	<-ctx.Done()
	return identity.User{}, ctx.Err()
}

func (stalledStore) GetUserByResetToken(ctx context.Context, _ string) (identity.User, error) {
	<-ctx.Done()
	return identity.User{}, ctx.Err()
}

func TestStoreTimeout_BoundsRequestAndConsume(t *testing.T) {
	svc, err := NewService(stalledStore{Store: identity.NewMemoryStore()}, plainDeriver{},
		WithMailer(&captureMailer{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStoreTimeout(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	start := time.Now()
	err = svc.Request(ctx, "alice@example.com")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Request not bounded: %v", elapsed)
	}
	if !identity.IsTransient(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Request: expected transient deadline error, got %v", err)
	}

	start = time.Now()
	_, err = svc.Consume(ctx, "some-token", "new-password-1")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Consume not bounded: %v", elapsed)
	}
	if !identity.IsTransient(err) || errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Consume: expected transient error, got %v", err)
	}
}

func TestWithStoreTimeout_RejectsNonPositive(t *testing.T) {
	if _, err := NewService(identity.NewMemoryStore(), plainDeriver{}, WithStoreTimeout(0)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", DefaultConfig(), true},
		{"ttl too short", Config{TTL: time.Second, TokenBytes: 32}, false},
		{"ttl too long", Config{TTL: 48 * time.Hour, TokenBytes: 32}, false},
		{"token too small", Config{TTL: time.Hour, TokenBytes: 8}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ACCOUNTS_RESET_TTL", "30m")
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.TTL != 30*time.Minute || cfg.TokenBytes != 32 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("ACCOUNTS_RESET_TTL", "nope")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
