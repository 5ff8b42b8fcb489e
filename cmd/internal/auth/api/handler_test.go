package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"accounts/cmd/identity"
	"accounts/cmd/internal/account"
	"accounts/cmd/internal/auth/session"
	"accounts/cmd/internal/reset"
	"accounts/cmd/security/secret"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type captureMailer struct {
	mu   sync.Mutex
	msgs []reset.Message
}

func (m *captureMailer) SendPasswordReset(_ context.Context, msg reset.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

func (m *captureMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.msgs)
	return m.msgs[len(m.msgs)-1].Token
}

type testEnv struct {
	router http.Handler
	store  *identity.MemoryStore
	mailer *captureMailer
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cookie.Key = strings.Repeat("c", 32)
	cfg.Cookie.Secure = false
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := discardLogger()

	st := identity.NewMemoryStore()
	der, err := secret.New(secret.Params{MemoryKiB: 8, Iterations: 1, Parallelism: 1, KeyLength: 16})
	require.NoError(t, err)

	scfg := session.DefaultConfig()
	scfg.SigningKey = strings.Repeat("s", 32)
	mgr, err := session.NewManager(scfg, session.WithIdentityStore(st))
	require.NoError(t, err)

	svc, err := account.NewService(st, der, mgr, account.WithLogger(log))
	require.NoError(t, err)

	mailer := &captureMailer{}
	rs, err := reset.NewService(st, der, reset.WithMailer(mailer), reset.WithLogger(log))
	require.NoError(t, err)

	h, err := NewHandler(testConfig(), svc, mgr, mgr, WithLogger(log), WithResets(rs))
	require.NoError(t, err)

	r := chi.NewRouter()
	h.Register(r)
	return &testEnv{router: r, store: st, mailer: mailer}
}

type call struct {
	method  string
	path    string
	body    any
	raw     string
	token   string
	cookies []*http.Cookie
}

func (e *testEnv) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	switch {
	case c.raw != "":
		body = strings.NewReader(c.raw)
	case c.body != nil:
		b, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorResponse](t, rec).Error.Code
}

func (e *testEnv) signup(t *testing.T, name, email, password string) userResponse {
	t.Helper()
	rec := e.do(t, call{method: http.MethodPost, path: "/signup", body: signupRequest{Name: name, Email: email, Password: password}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[userEnvelope](t, rec).User
}

func (e *testEnv) signin(t *testing.T, email, password string) (signinResponse, []*http.Cookie) {
	t.Helper()
	rec := e.do(t, call{method: http.MethodPost, path: "/signin", body: signinRequest{Email: email, Password: password}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[signinResponse](t, rec), rec.Result().Cookies()
}

func (e *testEnv) promote(t *testing.T, id string) {
	t.Helper()
	_, err := e.store.UpdateUser(context.Background(), id, func(u *identity.User) error {
		u.Role = identity.RoleAdmin
		return nil
	})
	require.NoError(t, err)
}

func cookieCleared(rec *httptest.ResponseRecorder, name string) bool {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name && c.MaxAge < 0 {
			return true
		}
	}
	return false
}

func TestSignup(t *testing.T) {
	e := newTestEnv(t)

	u := e.signup(t, "Alice", "Alice@Example.com", "secret-pass")
	require.NotEmpty(t, u.ID)
	require.Equal(t, "subscriber", u.Role)
	require.Equal(t, "alice@example.com", u.Email)
	require.False(t, u.Complete)

	stored, err := e.store.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	require.Equal(t, identity.StatusDisabled, stored.Status)

	rec := e.do(t, call{method: http.MethodPost, path: "/signup", body: signupRequest{Name: "Other", Email: "ALICE@example.com", Password: "another-pass"}})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "duplicate_identity", errorCode(t, rec))
}

func TestSignup_Validation(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"bad email", `{"name":"Bob","email":"not-an-email","password":"secret-pass"}`},
		{"display name email", `{"name":"Bob","email":"Bob <bob@example.com>","password":"secret-pass"}`},
		{"short password", `{"name":"Bob","email":"bob@example.com","password":"abc"}`},
		{"empty name", `{"name":"   ","email":"bob@example.com","password":"secret-pass"}`},
		{"markup only name", `{"name":"<script>alert(1)</script>","email":"bob@example.com","password":"secret-pass"}`},
		{"long name", `{"name":"` + strings.Repeat("x", 33) + `","email":"bob@example.com","password":"secret-pass"}`},
		{"unknown field", `{"name":"Bob","email":"bob@example.com","password":"secret-pass","role":"admin"}`},
		{"trailing data", `{"name":"Bob","email":"bob@example.com","password":"secret-pass"}{}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(t, call{method: http.MethodPost, path: "/signup", raw: tc.raw})
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			require.Equal(t, "invalid_request", errorCode(t, rec))
		})
	}
}

func TestSignup_StripsMarkupFromName(t *testing.T) {
	e := newTestEnv(t)
	u := e.signup(t, "<b>Ann</b>  Lee", "ann@example.com", "secret-pass")
	require.Equal(t, "Ann Lee", u.Name)

	u = e.signup(t, "Tom & Jerry", "tom@example.com", "secret-pass")
	require.Equal(t, "Tom & Jerry", u.Name)
}

func TestSignin(t *testing.T) {
	e := newTestEnv(t)
	u := e.signup(t, "Alice", "alice@example.com", "secret-pass")

	resp, cookies := e.signin(t, "ALICE@example.com", "secret-pass")
	require.NotEmpty(t, resp.Token)
	require.Equal(t, u.ID, resp.User.ID)
	require.True(t, resp.ExpiresAt.After(time.Now()))
	require.NotEmpty(t, cookies)

	rec := e.do(t, call{method: http.MethodGet, path: "/session", cookies: cookies})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, u.ID, decode[userEnvelope](t, rec).User.ID)

	for _, c := range []signinRequest{
		{Email: "alice@example.com", Password: "wrong-pass"},
		{Email: "nobody@example.com", Password: "secret-pass"},
	} {
		rec := e.do(t, call{method: http.MethodPost, path: "/signin", body: c})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "invalid_credentials", errorCode(t, rec))
	}
}

func TestSignout_ClearsCache(t *testing.T) {
	e := newTestEnv(t)
	e.signup(t, "Alice", "alice@example.com", "secret-pass")
	_, cookies := e.signin(t, "alice@example.com", "secret-pass")

	rec := e.do(t, call{method: http.MethodPost, path: "/signout", cookies: cookies})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, cookieCleared(rec, "accounts_session"))

	rec = e.do(t, call{method: http.MethodGet, path: "/session"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdateSelf_Unauthenticated(t *testing.T) {
	e := newTestEnv(t)
	u := e.signup(t, "Alice", "alice@example.com", "secret-pass")
	_, cookies := e.signin(t, "alice@example.com", "secret-pass")
	before, err := e.store.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)

	for _, tok := range []string{"", "garbage"} {
		rec := e.do(t, call{method: http.MethodPut, path: "/user/update", token: tok, cookies: cookies, body: map[string]any{"name": "Mallory"}})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "unauthenticated", errorCode(t, rec))
		require.True(t, cookieCleared(rec, "accounts_session"))
	}

	after, err := e.store.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestUpdateSelf_AppliesOnlyAuthorizedFields(t *testing.T) {
	e := newTestEnv(t)
	alice := e.signup(t, "Alice", "alice@example.com", "secret-pass")
	bob := e.signup(t, "Bob", "bob@example.com", "secret-pass")
	resp, _ := e.signin(t, "alice@example.com", "secret-pass")

	rec := e.do(t, call{method: http.MethodPut, path: "/user/update", token: resp.Token, body: map[string]any{
		"id":        bob.ID,
		"name":      "Alice B",
		"org_email": "Alice@Corp.example",
		"role":      "admin",
		"email":     "evil@example.com",
		"status":    "active",
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[userEnvelope](t, rec).User
	require.Equal(t, alice.ID, got.ID)
	require.Equal(t, "Alice B", got.Name)
	require.Equal(t, "alice@corp.example", got.OrgEmail)
	require.Equal(t, "alice@example.com", got.Email)
	require.Equal(t, "subscriber", got.Role)
	require.True(t, got.Complete)

	stored, err := e.store.GetUserByID(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Equal(t, identity.StatusDisabled, stored.Status)

	other, err := e.store.GetUserByID(context.Background(), bob.ID)
	require.NoError(t, err)
	require.Equal(t, "Bob", other.Name)
}

func TestUpdateSelf_PasswordChange(t *testing.T) {
	e := newTestEnv(t)
	e.signup(t, "Alice", "alice@example.com", "secret-pass")
	resp, _ := e.signin(t, "alice@example.com", "secret-pass")

	rec := e.do(t, call{method: http.MethodPut, path: "/user/update", token: resp.Token, body: map[string]any{"password": "brand-new-pass"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, call{method: http.MethodPost, path: "/signin", body: signinRequest{Email: "alice@example.com", Password: "secret-pass"}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	e.signin(t, "alice@example.com", "brand-new-pass")

	rec = e.do(t, call{method: http.MethodPut, path: "/user/update", token: resp.Token, body: map[string]any{"password": "abc"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSelf_EmptyPasswordKeepsSecret(t *testing.T) {
	e := newTestEnv(t)
	u := e.signup(t, "Alice", "alice@example.com", "secret-pass")
	resp, _ := e.signin(t, "alice@example.com", "secret-pass")
	before, err := e.store.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)

	rec := e.do(t, call{method: http.MethodPut, path: "/user/update", token: resp.Token, body: map[string]any{"password": "", "name": "Alicia"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	after, err := e.store.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	require.Equal(t, before.Salt, after.Salt)
	require.Equal(t, before.Secret, after.Secret)
	require.Equal(t, "Alicia", after.Name)
}

func TestUpdateSelf_RefreshesCache(t *testing.T) {
	e := newTestEnv(t)
	e.signup(t, "Alice", "alice@example.com", "secret-pass")
	resp, cookies := e.signin(t, "alice@example.com", "secret-pass")

	rec := e.do(t, call{method: http.MethodPut, path: "/user/update", token: resp.Token, cookies: cookies, body: map[string]any{"name": "Alicia"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, call{method: http.MethodGet, path: "/session", cookies: rec.Result().Cookies()})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Alicia", decode[userEnvelope](t, rec).User.Name)
}

func TestAdminUpdate(t *testing.T) {
	e := newTestEnv(t)
	admin := e.signup(t, "Root", "root@example.com", "secret-pass")
	bob := e.signup(t, "Bob", "bob@example.com", "secret-pass")
	e.promote(t, admin.ID)

	adminTok, _ := e.signin(t, "root@example.com", "secret-pass")
	bobTok, _ := e.signin(t, "bob@example.com", "secret-pass")

	rec := e.do(t, call{method: http.MethodPut, path: "/admin/update", token: bobTok.Token, body: map[string]any{"id": admin.ID, "name": "Owned"}})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "forbidden", errorCode(t, rec))

	rec = e.do(t, call{method: http.MethodPut, path: "/admin/update", body: map[string]any{"id": bob.ID, "name": "X"}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, call{method: http.MethodPut, path: "/admin/update", token: adminTok.Token, body: map[string]any{"id": bob.ID, "name": "Robert", "role": "admin"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[userEnvelope](t, rec).User
	require.Equal(t, bob.ID, got.ID)
	require.Equal(t, "Robert", got.Name)
	require.Equal(t, "subscriber", got.Role)

	stored, err := e.store.GetUserByID(context.Background(), bob.ID)
	require.NoError(t, err)
	require.Equal(t, "Robert", stored.Name)
	self, err := e.store.GetUserByID(context.Background(), admin.ID)
	require.NoError(t, err)
	require.Equal(t, "Root", self.Name, "admin's own record must not change when targeting another user")

	rec = e.do(t, call{method: http.MethodPut, path: "/admin/update", token: adminTok.Token, body: map[string]any{"id": "01HZZZZZZZZZZZZZZZZZZZZZZZ", "name": "Ghost"}})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", errorCode(t, rec))
}

func TestGetUser(t *testing.T) {
	e := newTestEnv(t)
	alice := e.signup(t, "Alice", "alice@example.com", "secret-pass")
	bob := e.signup(t, "Bob", "bob@example.com", "secret-pass")
	resp, cookies := e.signin(t, "alice@example.com", "secret-pass")

	rec := e.do(t, call{method: http.MethodGet, path: "/user/" + alice.ID, token: resp.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Alice", decode[userEnvelope](t, rec).User.Name)

	rec = e.do(t, call{method: http.MethodGet, path: "/user/" + alice.ID, cookies: cookies})
	require.Equal(t, http.StatusOK, rec.Code, "cached credential should work for reads")

	rec = e.do(t, call{method: http.MethodGet, path: "/user/" + bob.ID, token: resp.Token})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, call{method: http.MethodGet, path: "/user/" + alice.ID})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPasswordReset(t *testing.T) {
	e := newTestEnv(t)
	e.signup(t, "Alice", "alice@example.com", "secret-pass")

	unknown := e.do(t, call{method: http.MethodPut, path: "/forgot-password", body: forgotPasswordRequest{Email: "nobody@example.com"}})
	require.Equal(t, http.StatusOK, unknown.Code)
	require.Equal(t, 0, e.mailer.count())

	known := e.do(t, call{method: http.MethodPut, path: "/forgot-password", body: forgotPasswordRequest{Email: "alice@example.com"}})
	require.Equal(t, http.StatusOK, known.Code)
	require.Equal(t, unknown.Body.String(), known.Body.String())
	tok := e.mailer.lastToken(t)

	rec := e.do(t, call{method: http.MethodPut, path: "/reset-password", body: resetPasswordRequest{Token: tok, Password: "abc"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, call{method: http.MethodPut, path: "/reset-password", body: resetPasswordRequest{Token: tok, Password: "reset-pass-1"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	e.signin(t, "alice@example.com", "reset-pass-1")

	rec = e.do(t, call{method: http.MethodPut, path: "/reset-password", body: resetPasswordRequest{Token: tok, Password: "reset-pass-2"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_token", errorCode(t, rec))
}

type stubAccounts struct {
	err error
}

func (s stubAccounts) Signup(context.Context, account.SignupInput) (account.Summary, error) {
	return account.Summary{}, s.err
}

func (s stubAccounts) Authenticate(context.Context, string, string) (account.Summary, error) {
	return account.Summary{}, s.err
}

func (s stubAccounts) GetProfile(context.Context, string, string) (account.Summary, error) {
	return account.Summary{}, s.err
}

func (s stubAccounts) UpdateProfile(context.Context, string, string, account.Fields) (account.Summary, error) {
	return account.Summary{}, s.err
}

type stubIssuer struct{}

func (stubIssuer) Issue(string, identity.Role) (string, time.Time, error) {
	return "tok", time.Now().Add(time.Hour), nil
}

func TestWriteAccountError_Mapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{account.ErrDuplicateIdentity, http.StatusConflict, "duplicate_identity"},
		{account.ErrNotFound, http.StatusNotFound, "not_found"},
		{account.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{account.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
		{account.ErrForbidden, http.StatusForbidden, "forbidden"},
		{account.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
		{account.ErrTransient, http.StatusServiceUnavailable, "transient"},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), http.StatusServiceUnavailable, "transient"},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, "server_error"},
	}
	for _, tc := range tests {
		t.Run(tc.code+"/"+tc.err.Error(), func(t *testing.T) {
			valid := account.SessionVerifierFunc(func(context.Context, string) account.VerifyResult {
				return account.VerifyResult{Status: account.CredentialValid, IdentityID: "u1", Role: identity.RoleSubscriber}
			})
			h, err := NewHandler(testConfig(), stubAccounts{err: tc.err}, valid, stubIssuer{}, WithLogger(discardLogger()))
			require.NoError(t, err)
			r := chi.NewRouter()
			h.Register(r)

			req := httptest.NewRequest(http.MethodGet, "/user/u1", nil)
			req.Header.Set("Authorization", "Bearer tok")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, errorCode(t, rec))
			if tc.status == http.StatusServiceUnavailable {
				require.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestRequireAuth_UnavailableVerifierIsTransient(t *testing.T) {
	unavailable := account.SessionVerifierFunc(func(context.Context, string) account.VerifyResult {
		return account.VerifyResult{Status: account.CredentialUnavailable}
	})
	h, err := NewHandler(testConfig(), stubAccounts{}, unavailable, stubIssuer{}, WithLogger(discardLogger()))
	require.NoError(t, err)
	r := chi.NewRouter()
	h.Register(r)

	req := httptest.NewRequest(http.MethodPut, "/user/update", strings.NewReader(`{"name":"Alice"}`))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "transient", errorCode(t, rec))
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.False(t, cookieCleared(rec, "accounts_session"))
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	_, err := NewHandler(testConfig(), nil, nil, nil)
	require.Error(t, err)

	cfg := testConfig()
	cfg.MaxBodyBytes = 0
	valid := account.SessionVerifierFunc(func(context.Context, string) account.VerifyResult { return account.VerifyResult{} })
	_, err = NewHandler(cfg, stubAccounts{}, valid, stubIssuer{})
	require.ErrorIs(t, err, ErrConfig)
}

func TestResetRoutesAbsentWithoutService(t *testing.T) {
	valid := account.SessionVerifierFunc(func(context.Context, string) account.VerifyResult { return account.VerifyResult{} })
	h, err := NewHandler(testConfig(), stubAccounts{}, valid, stubIssuer{}, WithLogger(discardLogger()))
	require.NoError(t, err)
	r := chi.NewRouter()
	h.Register(r)

	req := httptest.NewRequest(http.MethodPut, "/forgot-password", strings.NewReader(`{"email":"a@b.example"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
