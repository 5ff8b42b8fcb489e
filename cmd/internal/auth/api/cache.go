package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"accounts/cmd/identity"
	"accounts/cmd/internal/account"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const (
	cacheKeyToken    = "token"
	cacheKeyUserID   = "user_id"
	cacheKeyRole     = "role"
	cacheKeyName     = "name"
	cacheKeyEmail    = "email"
	cacheKeyOrgEmail = "org_email"
)

// CachedSession is what a client remembers between requests.
type CachedSession struct {
	Token string
	User  account.Summary
}

// SessionCache keeps the bearer credential and profile summary in a signed
// cookie so browser clients can restore state without another round trip.
type SessionCache struct {
	store *sessions.CookieStore
	name  string
	log   *slog.Logger
}

// NewSessionCache builds a cookie-backed cache. With no configured key a
// random one is generated, so cached sessions do not survive a restart.
func NewSessionCache(cfg CookieConfig, log *slog.Logger) (*SessionCache, error) {
	if log == nil {
		log = slog.Default()
	}
	key := []byte(cfg.Key)
	if len(key) == 0 {
		key = securecookie.GenerateRandomKey(minCookieKeyBytes)
		if key == nil {
			return nil, errors.New("authapi: generate cookie key")
		}
		log.Warn("session.cache.ephemeral_key")
	}
	if len(key) < minCookieKeyBytes {
		return nil, ErrConfig
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "accounts_session"
	}

	store := sessions.NewCookieStore(key)
	opts := &sessions.Options{
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(cfg.MaxAge.Seconds()),
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 86400
	}
	store.Options = opts
	store.MaxAge(opts.MaxAge)

	return &SessionCache{store: store, name: name, log: log}, nil
}

// Load returns the cached session, if the request carries a valid one.
func (c *SessionCache) Load(r *http.Request) (CachedSession, bool) {
	sess, err := c.store.Get(r, c.name)
	if err != nil {
		c.logGetError(err)
		return CachedSession{}, false
	}
	if sess.IsNew {
		return CachedSession{}, false
	}
	cs := CachedSession{
		Token: getString(sess, cacheKeyToken),
		User: account.Summary{
			ID:       getString(sess, cacheKeyUserID),
			Role:     identity.ParseRole(getString(sess, cacheKeyRole)),
			Name:     getString(sess, cacheKeyName),
			Email:    getString(sess, cacheKeyEmail),
			OrgEmail: getString(sess, cacheKeyOrgEmail),
		},
	}
	if cs.Token == "" || cs.User.ID == "" {
		return CachedSession{}, false
	}
	return cs, true
}

// Update stores token and sum. An empty token keeps the cached one.
func (c *SessionCache) Update(w http.ResponseWriter, r *http.Request, token string, sum account.Summary) error {
	sess, err := c.store.Get(r, c.name)
	if err != nil {
		// Get still returns a usable fresh session on decode failure.
		c.logGetError(err)
	}
	if token != "" {
		sess.Values[cacheKeyToken] = token
	}
	sess.Values[cacheKeyUserID] = sum.ID
	sess.Values[cacheKeyRole] = string(sum.Role)
	sess.Values[cacheKeyName] = sum.Name
	sess.Values[cacheKeyEmail] = sum.Email
	sess.Values[cacheKeyOrgEmail] = sum.OrgEmail
	return sess.Save(r, w)
}

// Clear expires the cookie.
func (c *SessionCache) Clear(w http.ResponseWriter, r *http.Request) error {
	sess, err := c.store.Get(r, c.name)
	if err != nil {
		c.logGetError(err)
	}
	for k := range sess.Values {
		delete(sess.Values, k)
	}
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}

func (c *SessionCache) logGetError(err error) {
	var scErr securecookie.Error
	if errors.As(err, &scErr) && scErr.IsDecode() {
		c.log.Warn("session.cache.invalid_cookie", "err", err)
		return
	}
	c.log.Error("session.cache.error", "err", err)
}

func getString(s *sessions.Session, key string) string {
	if v, ok := s.Values[key].(string); ok {
		return v
	}
	return ""
}
