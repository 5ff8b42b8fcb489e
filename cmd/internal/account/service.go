package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"accounts/cmd/identity"
)

const defaultStoreTimeout = 5 * time.Second

// SignupInput describes a new account.
type SignupInput struct {
	Name     string
	Email    string
	Password string
}

// Service implements signup, authentication and profile mutation.
type Service struct {
	store    identity.Store
	deriver  Deriver
	sessions SessionVerifier
	notifier Notifier
	log      *slog.Logger
	metrics  *Metrics
	timeout  time.Duration

	dummyOnce   sync.Once
	dummySalt   string
	dummySecret string
}

// Option configures the Service.
type Option func(*Service) error

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithNotifier sets the profile-change listener.
func WithNotifier(n Notifier) Option {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithMetrics enables operation metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		s.timeout = d
		return nil
	}
}

// NewService constructs a Service. All three collaborators are required.
func NewService(store identity.Store, deriver Deriver, sessions SessionVerifier, opts ...Option) (*Service, error) {
	if store == nil || deriver == nil || sessions == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:    store,
		deriver:  deriver,
		sessions: sessions,
		notifier: nopNotifier{},
		log:      slog.Default(),
		timeout:  defaultStoreTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Signup creates a subscriber account with a freshly derived secret.
func (s *Service) Signup(ctx context.Context, in SignupInput) (out Summary, err error) {
	const op = "account.Signup"
	defer func() { s.metrics.observe("signup", err) }()

	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Email) == "" || in.Password == "" {
		return Summary{}, fail(op, ErrInvalidInput, nil)
	}

	salt, secret := s.derive(in.Password)
	if secret == "" {
		s.log.Error("account.signup.fail", "reason", "derive")
		return Summary{}, fail(op, ErrTransient, errors.New("secret derivation failed"))
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	u, err := s.store.CreateUser(sctx, identity.CreateUserInput{
		Name:   in.Name,
		Email:  in.Email,
		Role:   identity.RoleSubscriber,
		Status: identity.StatusDisabled,
		Salt:   salt,
		Secret: secret,
	})
	if err != nil {
		err = storeError(op, err)
		s.log.Info("account.signup.fail", "outcome", outcome(err))
		return Summary{}, err
	}

	s.log.Info("account.signup.ok", "user_id", u.ID)
	return SummaryOf(u), nil
}

// Authenticate checks an email/password pair. Unknown emails and wrong
// passwords both return ErrInvalidCredentials after comparable work.
func (s *Service) Authenticate(ctx context.Context, email, password string) (out Summary, err error) {
	const op = "account.Authenticate"
	defer func() { s.metrics.observe("authenticate", err) }()

	if strings.TrimSpace(email) == "" || password == "" {
		return Summary{}, fail(op, ErrInvalidCredentials, nil)
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	u, err := s.store.GetUserByEmail(sctx, email)
	if err != nil {
		if identity.IsNotFound(err) {
			s.burnVerify(password)
			s.log.Info("account.signin.fail", "reason", "unknown_email")
			return Summary{}, fail(op, ErrInvalidCredentials, nil)
		}
		return Summary{}, storeError(op, err)
	}

	if !s.deriver.Verify(password, u.Salt, u.Secret) {
		s.log.Info("account.signin.fail", "reason", "mismatch", "user_id", u.ID)
		return Summary{}, fail(op, ErrInvalidCredentials, nil)
	}

	s.log.Info("account.signin.ok", "user_id", u.ID)
	return SummaryOf(u), nil
}

// GetProfile returns the summary of targetID (the caller when empty).
func (s *Service) GetProfile(ctx context.Context, credential, targetID string) (out Summary, err error) {
	const op = "account.GetProfile"
	defer func() { s.metrics.observe("get_profile", err) }()

	_, target, err := s.authorize(ctx, op, credential, targetID)
	if err != nil {
		return Summary{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	u, err := s.store.GetUserByID(sctx, target)
	if err != nil {
		return Summary{}, storeError(op, err)
	}
	return SummaryOf(u), nil
}

// UpdateProfile applies the authorized subset of fields to targetID (the
// caller when empty). A non-empty password replaces salt and secret in the
// same write as the other fields.
func (s *Service) UpdateProfile(ctx context.Context, credential, targetID string, fields Fields) (out Summary, err error) {
	const op = "account.UpdateProfile"
	defer func() { s.metrics.observe("update_profile", err) }()

	caller, target, err := s.authorize(ctx, op, credential, targetID)
	if err != nil {
		return Summary{}, err
	}

	allowed := AuthorizedFields(caller.Role)

	var salt, secret string
	rederive := allowed.Has(FieldPassword) && fields.wantsPassword()
	if rederive {
		salt, secret = s.derive(*fields.Password)
		if secret == "" {
			s.log.Error("account.update.fail", "reason", "derive", "user_id", target)
			return Summary{}, fail(op, ErrTransient, errors.New("secret derivation failed"))
		}
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	u, err := s.store.UpdateUser(sctx, target, func(u *identity.User) error {
		if allowed.Has(FieldName) && fields.Name != nil {
			u.Name = *fields.Name
		}
		if allowed.Has(FieldOrgEmail) && fields.OrgEmail != nil {
			u.OrgEmail = *fields.OrgEmail
		}
		if rederive {
			u.Salt = salt
			u.Secret = secret
		}
		return nil
	})
	if err != nil {
		err = storeError(op, err)
		s.log.Info("account.update.fail", "user_id", target, "caller_id", caller.IdentityID, "outcome", outcome(err))
		return Summary{}, err
	}

	sum := SummaryOf(u)
	s.notifier.ProfileUpdated(sum)
	s.log.Info("account.update.ok",
		"user_id", u.ID,
		"caller_id", caller.IdentityID,
		"password_changed", rederive,
	)
	return sum, nil
}

// authorize establishes the caller and resolves the target. It runs before
// any store access other than the verifier's own, which shares the store
// timeout.
func (s *Service) authorize(ctx context.Context, op, credential, targetID string) (VerifyResult, string, error) {
	vctx, cancel := context.WithTimeout(ctx, s.timeout)
	res := s.sessions.VerifyCredential(vctx, credential)
	expired := vctx.Err()
	cancel()
	if err := ctx.Err(); err != nil && !res.Valid() {
		return VerifyResult{}, "", err
	}
	if res.Status == CredentialUnavailable || (expired != nil && !res.Valid()) {
		s.log.Warn("account.auth.unavailable", "op", op, "status", res.Status.String())
		return VerifyResult{}, "", fail(op, ErrTransient, expired)
	}
	if !res.Valid() {
		s.log.Info("account.auth.reject", "op", op, "status", res.Status.String())
		return VerifyResult{}, "", fail(op, ErrUnauthenticated, nil)
	}

	target := strings.TrimSpace(targetID)
	if target == "" {
		target = res.IdentityID
	}
	if target != res.IdentityID && res.Role != identity.RoleAdmin {
		return VerifyResult{}, "", fail(op, ErrForbidden, nil)
	}
	return res, target, nil
}

func (s *Service) derive(plaintext string) (salt, secret string) {
	start := time.Now()
	salt, secret = s.deriver.Derive(plaintext)
	s.metrics.observeDerive(time.Since(start))
	return salt, secret
}

// burnVerify spends one verification on a throwaway secret so unknown emails
// cost about as much as wrong passwords.
func (s *Service) burnVerify(password string) {
	s.dummyOnce.Do(func() {
		s.dummySalt, s.dummySecret = s.deriver.Derive("account-timing-equalizer")
	})
	_ = s.deriver.Verify(password, s.dummySalt, s.dummySecret)
}
