package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/toolgate/internal/clients"
	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/alexjbarnes/toolgate/internal/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testServerURL = "https://gate.example.com"
	testRedirect  = "https://client.example.com/callback"

	// testVerifier is the RFC 7636 Appendix B example verifier.
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

	testSecret = "s3cret-client-password"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pkceChallenge(verifier string) string {
	return S256Challenge(verifier)
}

type testEnv struct {
	p     *Provider
	store *tokenstore.Memory
	now   time.Time
}

// advance moves the provider clock forward.
func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func testClients(t *testing.T) *clients.Registry {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	require.NoError(t, err)

	reg, err := clients.NewRegistry([]models.OAuthClient{
		{ClientID: "public", RedirectURIs: []string{testRedirect}},
		{ClientID: "multi", RedirectURIs: []string{testRedirect, "https://other.example.com/cb?tenant=1"}},
		{ClientID: "native", RedirectURIs: []string{"http://127.0.0.1"}},
		{ClientID: "scoped", RedirectURIs: []string{testRedirect}, DefaultScope: "read"},
		{ClientID: "confidential", RedirectURIs: []string{testRedirect}, SecretHash: string(hash)},
	})
	require.NoError(t, err)

	return reg
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	cfg := Config{
		ServerURL:       testServerURL + "/",
		SupportedScopes: []string{"read", "write", "admin"},
		DefaultScope:    "read write",
	}
	for _, m := range mutate {
		m(&cfg)
	}

	store := tokenstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{store: store, now: time.Now()}
	env.p = NewProvider(cfg, store, testClients(t), testLogger(), nil)
	env.p.now = func() time.Time { return env.now }

	return env
}

func authorizeParams(clientID string) url.Values {
	return url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {testRedirect},
		"response_type":         {"code"},
		"state":                 {"xyz"},
		"code_challenge":        {pkceChallenge(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

func doAuthorize(t *testing.T, env *testEnv, params url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	env.p.HandleAuthorize()(rec, req)
	return rec
}

// redirectQuery parses the Location header of a 302 response.
func redirectQuery(t *testing.T, rec *httptest.ResponseRecorder) (*url.URL, url.Values) {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc, loc.Query()
}

// issueCode runs a successful authorization and returns the code.
func issueCode(t *testing.T, env *testEnv, params url.Values) string {
	t.Helper()
	_, q := redirectQuery(t, doAuthorize(t, env, params))
	require.Empty(t, q.Get("error"), q.Get("error_description"))
	code := q.Get("code")
	require.NotEmpty(t, code)
	return code
}

func tokenForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {"public"},
		"code_verifier": {testVerifier},
	}
}

func doToken(t *testing.T, env *testEnv, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.p.HandleToken()(rec, req)
	return rec
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeOAuthError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error_description"])
	return body["error"]
}

// --- Store helpers ---

func TestCodeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ac := &models.AuthCode{Code: "abc", ClientID: "public", ExpiresAt: env.now.Add(time.Minute)}
	require.NoError(t, saveCode(ctx, env.store, ac, time.Minute))

	got, err := consumeCode(ctx, env.store, "abc", env.now)
	require.NoError(t, err)
	assert.Equal(t, "public", got.ClientID)

	_, err = consumeCode(ctx, env.store, "abc", env.now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestConsumeCode_ExpiredRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ac := &models.AuthCode{Code: "abc", ClientID: "public", ExpiresAt: env.now.Add(time.Minute)}
	require.NoError(t, saveCode(ctx, env.store, ac, time.Hour))

	_, err := consumeCode(ctx, env.store, "abc", env.now.Add(time.Minute))
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestLookupToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	at := &models.AccessToken{Token: "tok", ClientID: "public", Scope: "read", IssuedAt: env.now, ExpiresAt: env.now.Add(time.Hour)}
	require.NoError(t, saveToken(ctx, env.store, at))

	got, err := LookupToken(ctx, env.store, "tok", env.now)
	require.NoError(t, err)
	assert.Equal(t, "read", got.Scope)

	_, err = LookupToken(ctx, env.store, "tok", env.now.Add(time.Hour))
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)

	_, err = LookupToken(ctx, env.store, "missing", env.now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)

	_, err = LookupToken(ctx, env.store, "", env.now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestRandomHex_Length(t *testing.T) {
	assert.Len(t, RandomHex(16), 32)
	assert.Len(t, RandomHex(32), 64)
}

func TestRandomHex_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		h := RandomHex(16)
		assert.False(t, seen[h], "duplicate random hex")
		seen[h] = true
	}
}

func TestNewProvider_Defaults(t *testing.T) {
	p := NewProvider(Config{ServerURL: "https://x.example.com///"}, tokenstore.NewMemory(), testClients(t), testLogger(), nil)
	assert.Equal(t, "https://x.example.com", p.ServerURL())
	assert.Equal(t, DefaultCodeTTL, p.cfg.CodeTTL)
	assert.Equal(t, DefaultTokenTTL, p.cfg.TokenTTL)
}
