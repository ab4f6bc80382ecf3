package clients

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry([]models.OAuthClient{
		{ClientID: " spaced ", RedirectURIs: []string{"https://a.example.com/cb"}},
		{ClientID: "native", RedirectURIs: []string{"http://127.0.0.1"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	require.NotNil(t, r.Get("spaced"))
	assert.Equal(t, []string{"https://a.example.com/cb"}, r.Get("spaced").RedirectURIs)
	assert.Nil(t, r.Get("missing"))
}

func TestReplace_Validation(t *testing.T) {
	tests := []struct {
		name string
		list []models.OAuthClient
	}{
		{"missing id", []models.OAuthClient{{RedirectURIs: []string{"https://a.example.com/cb"}}}},
		{"no redirect", []models.OAuthClient{{ClientID: "a"}}},
		{"relative redirect", []models.OAuthClient{{ClientID: "a", RedirectURIs: []string{"/cb"}}}},
		{"fragment", []models.OAuthClient{{ClientID: "a", RedirectURIs: []string{"https://a.example.com/cb#x"}}}},
		{"duplicate", []models.OAuthClient{
			{ClientID: "a", RedirectURIs: []string{"https://a.example.com/cb"}},
			{ClientID: "a", RedirectURIs: []string{"https://b.example.com/cb"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.list)
			assert.Error(t, err)
		})
	}
}

func TestReplace_KeepsOldSetOnError(t *testing.T) {
	r, err := NewRegistry([]models.OAuthClient{{ClientID: "a", RedirectURIs: []string{"https://a.example.com/cb"}}})
	require.NoError(t, err)

	err = r.Replace([]models.OAuthClient{{ClientID: "b"}})
	require.Error(t, err)

	assert.NotNil(t, r.Get("a"))
	assert.Nil(t, r.Get("b"))
}

func TestParseInline(t *testing.T) {
	list, err := ParseInline("web=https://a.example.com/cb|https://b.example.com/cb, cli=http://127.0.0.1 ,")
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "web", list[0].ClientID)
	assert.Equal(t, []string{"https://a.example.com/cb", "https://b.example.com/cb"}, list[0].RedirectURIs)
	assert.Equal(t, "cli", list[1].ClientID)
	assert.Equal(t, []string{"http://127.0.0.1"}, list[1].RedirectURIs)
}

func TestParseInline_Errors(t *testing.T) {
	for _, in := range []string{"noequals", "=https://a.example.com/cb", "id=", "id=|"} {
		_, err := ParseInline(in)
		assert.Error(t, err, in)
	}

	list, err := ParseInline("")
	require.NoError(t, err)
	assert.Empty(t, list)
}

const clientsYAML = `clients:
  - client_id: web
    client_name: Web App
    redirect_uris:
      - https://app.example.com/callback
    default_scope: read
  - client_id: service
    redirect_uris: [https://svc.example.com/cb]
    secret_hash: "$2a$10$abcdefghijklmnopqrstuv"
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(clientsYAML), 0o600))

	list, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "Web App", list[0].ClientName)
	assert.Equal(t, "read", list[0].DefaultScope)
	assert.False(t, list[0].Confidential())
	assert.True(t, list[1].Confidential())
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clients: [unterminated"), 0o600))

	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(clientsYAML), 0o600))

	list, err := LoadFile(path)
	require.NoError(t, err)
	r, err := NewRegistry(list)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- r.Watch(ctx, path, testLogger()) }()

	updated := clientsYAML + `  - client_id: added
    redirect_uris: [https://added.example.com/cb]
`

	// Rewrite until the watcher, which starts asynchronously, sees it.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(updated), 0o600)
		return r.Get("added") != nil
	}, 5*time.Second, 300*time.Millisecond)

	assert.Equal(t, 3, r.Len())

	cancel()
	assert.NoError(t, <-done)
}

func TestWatch_InvalidFileKeepsOldSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(clientsYAML), 0o600))

	r, err := NewRegistry([]models.OAuthClient{{ClientID: "web", RedirectURIs: []string{"https://app.example.com/callback"}}})
	require.NoError(t, err)

	// Called directly to avoid depending on watcher timing.
	require.NoError(t, os.WriteFile(path, []byte("clients:\n  - client_id: broken\n"), 0o600))
	r.reload(path, testLogger())

	assert.NotNil(t, r.Get("web"))
	assert.Nil(t, r.Get("broken"))
}
