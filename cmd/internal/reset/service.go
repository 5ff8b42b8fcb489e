package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"accounts/cmd/identity"
	"accounts/cmd/security/password"
	"accounts/cmd/security/token"
)

// Deriver produces a fresh salt and secret for a plaintext password. An
// empty secret signals failure.
type Deriver interface {
	Derive(plaintext string) (salt, secret string)
}

// Service issues and consumes password reset tokens.
type Service struct {
	store   identity.Store
	deriver Deriver
	hasher  token.Hasher
	mailer  Mailer
	policy  password.Policy
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

const defaultStoreTimeout = 5 * time.Second

// Option configures the Service.
type Option func(*Service) error

// WithConfig overrides the default TTL and token size.
func WithConfig(cfg Config) Option {
	return func(s *Service) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.cfg = cfg
		return nil
	}
}

// WithHasher sets the token hasher (default unkeyed SHA-256).
func WithHasher(h token.Hasher) Option {
	return func(s *Service) error {
		s.hasher = h
		return nil
	}
}

// WithMailer sets the delivery channel.
func WithMailer(m Mailer) Option {
	return func(s *Service) error {
		if m == nil {
			return ErrInvalidInput
		}
		s.mailer = m
		return nil
	}
}

// WithPolicy sets the password policy applied to new passwords.
func WithPolicy(p password.Policy) Option {
	return func(s *Service) error {
		s.policy = p
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithStoreTimeout bounds each store call made by Request and Consume.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		s.timeout = d
		return nil
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store identity.Store, deriver Deriver, opts ...Option) (*Service, error) {
	if store == nil || deriver == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:   store,
		deriver: deriver,
		policy:  password.DefaultPolicy(),
		cfg:     DefaultConfig(),
		log:     slog.Default(),
		now:     time.Now,
		timeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.mailer == nil {
		s.mailer = LogMailer{Log: s.log}
	}
	return s, nil
}

// Request issues a reset token for email. Unknown addresses succeed with no
// effect so callers cannot probe for accounts.
func (s *Service) Request(ctx context.Context, email string) error {
	const op = "reset.Request"

	if err := ctx.Err(); err != nil {
		return err
	}
	email = identity.NormalizeEmail(email)
	if email == "" {
		return ErrInvalidInput
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	u, err := s.store.GetUserByEmail(sctx, email)
	if err != nil {
		if identity.IsNotFound(err) {
			s.log.Info("reset.request.unknown")
			return nil
		}
		return storeError(op, err)
	}

	plain, err := token.NewOpaque(s.cfg.TokenBytes)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	hash := s.hasher.Hash(plain)
	expires := s.now().UTC().Add(s.cfg.TTL).Truncate(time.Millisecond)

	u, err = s.store.UpdateUser(sctx, u.ID, func(next *identity.User) error {
		next.ResetToken = hash
		next.ResetExpiresAt = &expires
		return nil
	})
	if err != nil {
		return storeError(op, err)
	}

	if err := s.mailer.SendPasswordReset(ctx, Message{
		UserID:    u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Token:     plain,
		ExpiresAt: expires,
	}); err != nil {
		s.log.Error("reset.mail.fail", "err", err, "user_id", u.ID)
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("reset.request.ok", "user_id", u.ID)
	return nil
}

// Consume replaces the password of the account holding plain and clears the
// token. Unknown, reused and expired tokens return ErrInvalidToken.
func (s *Service) Consume(ctx context.Context, plain, newPassword string) (identity.User, error) {
	const op = "reset.Consume"

	if err := ctx.Err(); err != nil {
		return identity.User{}, err
	}
	plain = strings.TrimSpace(plain)
	if plain == "" {
		return identity.User{}, ErrInvalidToken
	}
	if err := s.policy.Validate(newPassword); err != nil {
		return identity.User{}, fmt.Errorf("%s: %w: %w", op, ErrInvalidInput, err)
	}

	hash := s.hasher.Hash(plain)
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	u, err := s.store.GetUserByResetToken(sctx, hash)
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.User{}, ErrInvalidToken
		}
		return identity.User{}, storeError(op, err)
	}
	now := s.now().UTC()
	if expired(u, now) {
		return identity.User{}, ErrInvalidToken
	}

	salt, secret := s.deriver.Derive(newPassword)
	if secret == "" {
		s.log.Error("reset.consume.fail", "reason", "derive", "user_id", u.ID)
		return identity.User{}, fmt.Errorf("%s: %w", op, identity.ErrTransient)
	}

	u, err = s.store.UpdateUser(sctx, u.ID, func(next *identity.User) error {
		// A concurrent Request or Consume may have replaced the token.
		if next.ResetToken != hash || expired(*next, now) {
			return ErrInvalidToken
		}
		next.Salt = salt
		next.Secret = secret
		next.ResetToken = ""
		next.ResetExpiresAt = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return identity.User{}, ErrInvalidToken
		}
		return identity.User{}, storeError(op, err)
	}

	s.log.Info("reset.consume.ok", "user_id", u.ID)
	return u, nil
}

// storeError marks a store deadline as transient so callers can retry.
func storeError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !identity.IsTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, identity.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func expired(u identity.User, now time.Time) bool {
	return u.ResetToken == "" || u.ResetExpiresAt == nil || !u.ResetExpiresAt.After(now)
}
