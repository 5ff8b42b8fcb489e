package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"accounts/cmd/identity"
	"accounts/cmd/internal/account"
	"accounts/cmd/internal/reset"
	"accounts/cmd/security/password"

	"github.com/go-chi/chi/v5"
)

// Accounts is the account core as seen by the HTTP layer.
type Accounts interface {
	Signup(ctx context.Context, in account.SignupInput) (account.Summary, error)
	Authenticate(ctx context.Context, email, password string) (account.Summary, error)
	GetProfile(ctx context.Context, credential, targetID string) (account.Summary, error)
	UpdateProfile(ctx context.Context, credential, targetID string, fields account.Fields) (account.Summary, error)
}

// TokenIssuer mints bearer credentials after a successful signin.
type TokenIssuer interface {
	Issue(userID string, role identity.Role) (string, time.Time, error)
}

// Resets issues and consumes password reset tokens.
type Resets interface {
	Request(ctx context.Context, email string) error
	Consume(ctx context.Context, token, newPassword string) (identity.User, error)
}

// Handler wires HTTP endpoints to the account core.
type Handler struct {
	log *slog.Logger
	cfg Config

	accounts Accounts
	sessions account.SessionVerifier
	tokens   TokenIssuer
	resets   Resets
	cache    *SessionCache
	validate validator
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithResets enables the password reset routes.
func WithResets(r Resets) HandlerOption {
	return func(h *Handler) {
		if r != nil {
			h.resets = r
		}
	}
}

// WithPasswordPolicy overrides the default password policy.
func WithPasswordPolicy(p password.Policy) HandlerOption {
	return func(h *Handler) {
		h.validate = newValidator(p)
	}
}

// WithSessionCache overrides the cache built from cfg.Cookie.
func WithSessionCache(c *SessionCache) HandlerOption {
	return func(h *Handler) {
		if c != nil {
			h.cache = c
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, accounts Accounts, sessions account.SessionVerifier, tokens TokenIssuer, opts ...HandlerOption) (*Handler, error) {
	if accounts == nil || sessions == nil || tokens == nil {
		return nil, errors.New("authapi: missing dependency")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Handler{
		log:      slog.Default(),
		cfg:      cfg,
		accounts: accounts,
		sessions: sessions,
		tokens:   tokens,
		validate: newValidator(password.DefaultPolicy()),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}

	if h.cache == nil {
		cache, err := NewSessionCache(cfg.Cookie, h.log)
		if err != nil {
			return nil, err
		}
		h.cache = cache
	}
	return h, nil
}

// Register wires the account routes onto r.
func (h *Handler) Register(r chi.Router) {
	if h == nil || r == nil {
		return
	}
	r.Post("/signup", h.handleSignup)
	r.Post("/signin", h.handleSignin)
	r.Post("/signout", h.handleSignout)
	r.Get("/session", h.handleSession)
	r.Get("/user/{id}", h.handleGetUser)
	r.Put("/user/update", h.handleUpdateSelf)
	r.Put("/admin/update", h.handleAdminUpdate)
	if h.resets != nil {
		r.Put("/forgot-password", h.handleForgotPassword)
		r.Put("/reset-password", h.handleResetPassword)
	}
}

// ---- handlers ----

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}
	req, err := h.validate.signup(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sum, err := h.accounts.Signup(r.Context(), account.SignupInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userEnvelope{User: toUserResponse(sum)})
}

func (h *Handler) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}
	req, err := h.validate.signin(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sum, err := h.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) {
			h.log.Info("http.signin.fail", "ip", ipString(clientIP(r, h.cfg.TrustProxy)))
		}
		h.writeAccountError(w, r, err)
		return
	}

	tok, exp, err := h.tokens.Issue(sum.ID, sum.Role)
	if err != nil {
		h.log.Error("http.signin.issue.fail", "err", err, "user_id", sum.ID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if err := h.cache.Update(w, r, tok, sum); err != nil {
		h.log.Error("http.session_cache.update.fail", "err", err, "user_id", sum.ID)
	}
	writeJSON(w, http.StatusOK, signinResponse{Token: tok, ExpiresAt: exp, User: toUserResponse(sum)})
}

func (h *Handler) handleSignout(w http.ResponseWriter, r *http.Request) {
	h.clearCache(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.cache.Load(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "no cached session")
		return
	}
	writeJSON(w, http.StatusOK, userEnvelope{User: toUserResponse(cs.User)})
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	sum, err := h.accounts.GetProfile(r.Context(), h.credential(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userEnvelope{User: toUserResponse(sum)})
}

func (h *Handler) handleUpdateSelf(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}
	req, ok := h.decodeUpdate(w, r)
	if !ok {
		return
	}
	// The target of a self update is always the caller, whatever id says.
	h.update(w, r, "", req)
}

func (h *Handler) handleAdminUpdate(w http.ResponseWriter, r *http.Request) {
	res, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if res.Role != identity.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	req, ok := h.decodeUpdate(w, r)
	if !ok {
		return
	}
	target := ""
	if req.ID != nil {
		target = strings.TrimSpace(*req.ID)
	}
	h.update(w, r, target, req)
}

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}
	email, err := h.validate.email(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.resets.Request(r.Context(), email); err != nil {
		if identity.IsTransient(err) {
			writeTransient(w)
			return
		}
		// The response must not reveal whether delivery failed for a real account.
		h.log.Error("http.forgot_password.fail", "err", err)
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "if the address is registered, a reset link has been sent"})
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}
	if err := h.validate.password(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	_, err := h.resets.Consume(r.Context(), req.Token, req.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, messageResponse{Message: "password updated"})
	case errors.Is(err, reset.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, "invalid_token", "reset token invalid or expired")
	case errors.Is(err, reset.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case identity.IsTransient(err):
		writeTransient(w)
	default:
		h.log.Error("http.reset_password.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// ---- helpers ----

// requireAuth rejects requests without a valid bearer credential before any
// body is read.
func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (account.VerifyResult, bool) {
	res := h.sessions.VerifyCredential(r.Context(), bearerToken(r))
	if res.Status == account.CredentialUnavailable {
		h.log.Warn("http.auth.unavailable", "path", r.URL.Path)
		writeTransient(w)
		return account.VerifyResult{}, false
	}
	if !res.Valid() {
		h.clearCache(w, r)
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return account.VerifyResult{}, false
	}
	return res, true
}

func (h *Handler) decodeUpdate(w http.ResponseWriter, r *http.Request) (updateRequest, bool) {
	var req updateRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return updateRequest{}, false
	}
	req, err := h.validate.update(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return updateRequest{}, false
	}
	return req, true
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, target string, req updateRequest) {
	cred := bearerToken(r)
	sum, err := h.accounts.UpdateProfile(r.Context(), cred, target, req.fields())
	if err != nil {
		h.writeAccountError(w, r, err)
		return
	}

	// Only the caller's own cached summary is refreshed.
	if cs, ok := h.cache.Load(r); ok && cs.User.ID == sum.ID {
		if err := h.cache.Update(w, r, "", sum); err != nil {
			h.log.Error("http.session_cache.update.fail", "err", err, "user_id", sum.ID)
		}
	}
	writeJSON(w, http.StatusOK, userEnvelope{User: toUserResponse(sum)})
}

// credential returns the bearer token, falling back to the cached one for
// safe methods.
func (h *Handler) credential(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		return tok
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return ""
	}
	if cs, ok := h.cache.Load(r); ok {
		return cs.Token
	}
	return ""
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Clear(w, r); err != nil {
		h.log.Error("http.session_cache.clear.fail", "err", err)
	}
}

// writeAccountError maps the account taxonomy onto HTTP.
func (h *Handler) writeAccountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, account.ErrUnauthenticated):
		h.clearCache(w, r)
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
	case errors.Is(err, account.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	case errors.Is(err, account.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
	case errors.Is(err, account.ErrDuplicateIdentity):
		writeError(w, http.StatusConflict, "duplicate_identity", "email already registered")
	case errors.Is(err, account.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "user not found")
	case errors.Is(err, account.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case errors.Is(err, account.ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		writeTransient(w)
	default:
		h.log.Error("http.account.fail", "err", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeTransient(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusServiceUnavailable, "transient", "temporarily unavailable, retry")
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for _, p := range parts {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
