package e2e_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/toolgate/internal/auth"
	"github.com/alexjbarnes/toolgate/internal/clients"
	"github.com/alexjbarnes/toolgate/internal/dispatch"
	"github.com/alexjbarnes/toolgate/internal/mcpserver"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/alexjbarnes/toolgate/internal/rpc"
	"github.com/alexjbarnes/toolgate/internal/server"
	"github.com/alexjbarnes/toolgate/internal/session"
	"github.com/alexjbarnes/toolgate/internal/tokenstore"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testClientID = "e2e-test-client"
	pkceVerifier = "e2e-test-pkce-verifier-that-is-long-enough-for-rfc7636"
	redirectURI  = "http://127.0.0.1:19876/callback"
)

// harness holds the full e2e test stack: a real HTTP server backed by
// the OAuth provider, the session manager and the built-in tools.
type harness struct {
	URL    string
	Store  *tokenstore.Memory
	Client *http.Client
}

// newHarness wires up the full stack via server.NewMux and starts an
// httptest server.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	store := tokenstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	registry, err := clients.NewRegistry([]models.OAuthClient{
		{ClientID: testClientID, RedirectURIs: []string{"http://127.0.0.1"}},
	})
	require.NoError(t, err)

	dispatcher := dispatch.New(logger)

	tools := mcpserver.New(&mcp.Implementation{Name: "toolgate-e2e", Version: "test"}, "", logger)
	require.NoError(t, mcpserver.RegisterBuiltinTools(tools, nil))
	tools.Register(dispatcher)

	// Use NewUnstartedServer so we can read the listener address before
	// building the provider (the issuer must match for resource checks).
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	provider := auth.NewProvider(auth.Config{
		ServerURL:       serverURL,
		SupportedScopes: []string{"read", "write"},
		DefaultScope:    "read",
	}, store, registry, logger, nil)

	manager := session.NewManager(session.Config{
		KeepaliveInterval: time.Minute,
		Greeting:          rpc.NewNotification(mcpserver.MethodInitialized, tools.Capabilities()),
	}, dispatcher, logger, nil)

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Provider: provider,
		Sessions: session.NewHandler(manager, provider, logger),
		Logger:   logger,
		AppName:  "toolgate",
	})
	ts.Start()
	t.Cleanup(func() {
		_ = manager.Shutdown(context.Background())
		ts.Close()
	})

	client := ts.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &harness{URL: serverURL, Store: store, Client: client}
}

// tokenResponse is the JSON body returned by POST /token.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// authorize runs the authorization request and returns the code from
// the redirect.
func (h *harness) authorize(t *testing.T, scope string) string {
	t.Helper()

	q := url.Values{
		"client_id":             {testClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"code_challenge":        {pkceChallenge(pkceVerifier)},
		"code_challenge_method": {"S256"},
		"state":                 {"e2e-state"},
		"resource":              {h.URL},
	}
	if scope != "" {
		q.Set("scope", scope)
	}

	resp := h.do(t, http.MethodGet, "/authorize?"+q.Encode(), "", nil)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "e2e-state", loc.Query().Get("state"))
	require.Equal(t, h.URL, loc.Query().Get("iss"))

	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "authorization code missing from redirect")

	return code
}

// exchange posts the code to the token endpoint.
func (h *harness) exchange(t *testing.T, code string) *http.Response {
	t.Helper()

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {testClientID},
		"code_verifier": {pkceVerifier},
		"resource":      {h.URL},
	}

	return h.do(t, http.MethodPost, "/token", form.Encode(), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
}

// authCodeFlow performs the full authorization code + PKCE flow.
func (h *harness) authCodeFlow(t *testing.T) tokenResponse {
	t.Helper()

	resp := h.exchange(t, h.authorize(t, ""))
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))

	return tr
}

func (h *harness) do(t *testing.T, method, path, body string, header map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)

	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// stream is an open SSE session.
type stream struct {
	id     string
	events chan json.RawMessage
}

// openStream starts a GET stream and collects its data events.
func (h *harness) openStream(t *testing.T, token string) *stream {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL+auth.StreamPath, nil)
	require.NoError(t, err)

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	t.Cleanup(func() { _ = resp.Body.Close() })

	s := &stream{
		id:     resp.Header.Get(session.SessionIDHeader),
		events: make(chan json.RawMessage, 64),
	}
	require.NotEmpty(t, s.id)

	go func() {
		defer close(s.events)

		sc := bufio.NewScanner(resp.Body)

		var data strings.Builder

		for sc.Scan() {
			line := sc.Text()

			switch {
			case strings.HasPrefix(line, "data: "):
				data.WriteString(strings.TrimPrefix(line, "data: "))
			case line == "" && data.Len() > 0:
				s.events <- json.RawMessage(data.String())
				data.Reset()
			}
		}
	}()

	return s
}

// next returns the next data event.
func (s *stream) next(t *testing.T) map[string]any {
	t.Helper()

	select {
	case raw, ok := <-s.events:
		require.True(t, ok, "stream closed")

		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))

		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return nil
	}
}

// send posts a follow-up message to the session.
func (h *harness) send(t *testing.T, token, sessionID, body string) *http.Response {
	t.Helper()

	return h.do(t, http.MethodPost, auth.StreamPath, body, map[string]string{
		"Authorization":         "Bearer " + token,
		"Content-Type":          "application/json",
		session.SessionIDHeader: sessionID,
	})
}

// toolText extracts the first text content of a tools/call result.
func toolText(t *testing.T, msg map[string]any) string {
	t.Helper()

	data, err := json.Marshal(msg["result"])
	require.NoError(t, err)

	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(data, &res))
	require.NotEmpty(t, res.Content)

	return res.Content[0].Text
}

// pkceChallenge computes the S256 code challenge for a given verifier.
func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
