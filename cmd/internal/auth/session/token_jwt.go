package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"accounts/cmd/identity"
	"accounts/cmd/internal/account"
)

// AccessClaims is the identity envelope carried by access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Manager issues and verifies access tokens.
type Manager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	key       []byte
	now       func() time.Time
	users     identity.Store

	// storeTimeout bounds the identity lookup in VerifyCredential.
	storeTimeout time.Duration
}

const defaultStoreTimeout = 5 * time.Second

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIdentityStore makes VerifyCredential confirm the identity still exists
// and take the role from the stored record.
func WithIdentityStore(st identity.Store) Option {
	return func(m *Manager) { m.users = st }
}

// WithStoreTimeout bounds the identity lookup made by VerifyCredential.
// Non-positive values keep the default.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.storeTimeout = d
		}
	}
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		key:       []byte(cfg.SigningKey),
		now:       time.Now,

		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Issue signs an access token for userID with role.
func (m *Manager) Issue(userID string, role identity.Role) (token string, exp time.Time, err error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	now := m.now().UTC()
	exp = now.Add(m.ttl)

	jti, err := identity.NewULID(now)
	if err != nil {
		return "", time.Time{}, err
	}

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: string(role),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Verify parses token and enforces signature, issuer and time claims.
func (m *Manager) Verify(token string) (AccessClaims, error) {
	token = strings.TrimSpace(token)
	// Basic sanity bounds to avoid pathological inputs.
	if token == "" || len(token) > 4096 {
		return AccessClaims{}, ErrInvalidToken
	}

	var claims AccessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AccessClaims{}, ErrTokenExpired
		}
		return AccessClaims{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	return claims, nil
}

// VerifyCredential implements account.SessionVerifier.
func (m *Manager) VerifyCredential(ctx context.Context, credential string) account.VerifyResult {
	if strings.TrimSpace(credential) == "" {
		return account.VerifyResult{Status: account.CredentialMissing}
	}

	claims, err := m.Verify(credential)
	switch {
	case errors.Is(err, ErrTokenExpired):
		return account.VerifyResult{Status: account.CredentialExpired}
	case err != nil:
		return account.VerifyResult{Status: account.CredentialInvalid}
	}

	res := account.VerifyResult{
		Status:     account.CredentialValid,
		IdentityID: claims.Subject,
		Role:       identity.ParseRole(claims.Role),
	}
	if m.users == nil {
		return res
	}

	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	u, err := m.users.GetUserByID(sctx, claims.Subject)
	switch {
	case err == nil:
		res.Role = u.Role
		return res
	case identity.IsNotFound(err):
		return account.VerifyResult{Status: account.CredentialInvalid}
	default:
		// An unconfirmed identity is never a grant.
		return account.VerifyResult{Status: account.CredentialUnavailable}
	}
}
