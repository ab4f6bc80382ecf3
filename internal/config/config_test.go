package config

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"LOG_LEVEL",
		"LISTEN_ADDR",
		"SERVER_URL",
		"OAUTH_CLIENTS",
		"OAUTH_CLIENTS_FILE",
		"SUPPORTED_SCOPES",
		"DEFAULT_SCOPE",
		"CODE_TTL",
		"TOKEN_TTL",
		"ALLOW_PLAIN_PKCE",
		"RATE_LIMIT_RPS",
		"RATE_LIMIT_BURST",
		"KEEPALIVE_INTERVAL",
		"DISPATCH_TIMEOUT",
		"MAX_CONCURRENT_DISPATCH",
		"QUEUE_SIZE",
		"WS_ORIGIN_PATTERNS",
		"REDIS_URL",
		"REDIS_KEY_PREFIX",
		"AUDIT_DB_PATH",
		"AUDIT_RETENTION",
		"METRICS_ENABLED",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setMinimalEnv sets the env vars every configuration needs.
func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SERVER_URL", "https://gate.example.com/")
	t.Setenv("OAUTH_CLIENTS", "web=https://app.example.com/callback")
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, "https://gate.example.com", cfg.ServerURL, "trailing slash is trimmed")
	assert.Equal(t, []string{"read", "write"}, cfg.SupportedScopes)
	assert.Equal(t, 10*time.Minute, cfg.CodeTTL)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, 15*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 30*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 16, cfg.MaxConcurrentDispatch)
	assert.Equal(t, 64, cfg.QueueSize)
	assert.Equal(t, "toolgate:", cfg.RedisKeyPrefix)
	assert.False(t, cfg.AllowPlainPKCE)
	assert.False(t, cfg.MetricsEnabled)
	assert.Empty(t, cfg.RedisURL)
	assert.Empty(t, cfg.AuditDBPath)
}

func TestLoad_CustomValues(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("SUPPORTED_SCOPES", "read, write ,admin")
	t.Setenv("DEFAULT_SCOPE", "read")
	t.Setenv("KEEPALIVE_INTERVAL", "5s")
	t.Setenv("TOKEN_TTL", "15m")
	t.Setenv("ALLOW_PLAIN_PKCE", "true")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("WS_ORIGIN_PATTERNS", "app.example.com, *.example.org")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"read", "write", "admin"}, cfg.SupportedScopes)
	assert.Equal(t, 5*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 15*time.Minute, cfg.TokenTTL)
	assert.True(t, cfg.AllowPlainPKCE)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 0.001)
	assert.Equal(t, []string{"app.example.com", "*.example.org"}, cfg.WSOriginPatterns)
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("KEEPALIVE_INTERVAL", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MissingServerURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OAUTH_CLIENTS", "web=https://app.example.com/callback")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_URL")
}

func TestLoad_MissingClients(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SERVER_URL", "https://gate.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OAUTH_CLIENTS")
}

func TestLoad_ClientsFileResolvedToAbsolute(t *testing.T) {
	clearConfigEnv(t)

	dir := t.TempDir()
	t.Chdir(dir)

	t.Setenv("SERVER_URL", "https://gate.example.com")
	t.Setenv("OAUTH_CLIENTS_FILE", "clients.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.ClientsFile))
	assert.Equal(t, "clients.yaml", filepath.Base(cfg.ClientsFile))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment:           "development",
			ServerURL:             "https://gate.example.com",
			Clients:               "web=https://app.example.com/cb",
			SupportedScopes:       []string{"read", "write"},
			CodeTTL:               time.Minute,
			TokenTTL:              time.Hour,
			KeepaliveInterval:     time.Second,
			DispatchTimeout:       time.Second,
			MaxConcurrentDispatch: 1,
			QueueSize:             1,
		}
	}

	require.NoError(t, valid().validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative server url", func(c *Config) { c.ServerURL = "/gate" }},
		{"bad scheme", func(c *Config) { c.ServerURL = "ftp://gate.example.com" }},
		{"query in server url", func(c *Config) { c.ServerURL = "https://gate.example.com?x=1" }},
		{"http in production", func(c *Config) { c.Environment = "production"; c.ServerURL = "http://gate.example.com" }},
		{"both client sources", func(c *Config) { c.ClientsFile = "/etc/clients.yaml" }},
		{"no scopes", func(c *Config) { c.SupportedScopes = nil }},
		{"default scope unsupported", func(c *Config) { c.DefaultScope = "read admin" }},
		{"zero token ttl", func(c *Config) { c.TokenTTL = 0 }},
		{"zero keepalive", func(c *Config) { c.KeepaliveInterval = 0 }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
		{"negative rate", func(c *Config) { c.RateLimitRPS = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.validate())
		})
	}
}

func TestValidate_HTTPAllowedOutsideProduction(t *testing.T) {
	c := &Config{
		ServerURL:             "http://localhost:8090",
		Clients:               "cli=http://127.0.0.1",
		SupportedScopes:       []string{"read"},
		DefaultScope:          "read",
		CodeTTL:               time.Minute,
		TokenTTL:              time.Hour,
		KeepaliveInterval:     time.Second,
		DispatchTimeout:       time.Second,
		MaxConcurrentDispatch: 1,
		QueueSize:             1,
	}

	assert.NoError(t, c.validate())
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}

func TestLoadClients_Inline(t *testing.T) {
	c := &Config{Clients: "web=https://a.example.com/cb|https://b.example.com/cb"}

	list, err := c.LoadClients()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].RedirectURIs, 2)
}

func TestLoadClients_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clients:\n  - client_id: web\n    redirect_uris: [https://a.example.com/cb]\n"), 0o600))

	c := &Config{ClientsFile: path}

	list, err := c.LoadClients()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "web", list[0].ClientID)
}

func TestWarnInsecureEnvFile_NoFile(t *testing.T) {
	t.Chdir(t.TempDir())
	warnInsecureEnvFile()
}

func TestWarnLongKeepalive(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	(&Config{KeepaliveInterval: 15 * time.Second}).warnLongKeepalive()
	assert.Empty(t, buf.String())

	(&Config{KeepaliveInterval: 30 * time.Second}).warnLongKeepalive()
	assert.Contains(t, buf.String(), "KEEPALIVE_INTERVAL 30s")
}
