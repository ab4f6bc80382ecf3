package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/toolgate/internal/clients"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for toolgate.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8090"`

	// ServerURL is the externally visible base URL. It is the OAuth
	// issuer and the resource identifier bound into tokens.
	ServerURL string `env:"SERVER_URL"`

	// OAuth clients, inline ("id=uri1|uri2,id2=uri") or from a YAML file
	// that is reloaded on change. Exactly one must be set.
	Clients     string `env:"OAUTH_CLIENTS"`
	ClientsFile string `env:"OAUTH_CLIENTS_FILE"`

	SupportedScopes []string      `env:"SUPPORTED_SCOPES" envSeparator:"," envDefault:"read,write"`
	DefaultScope    string        `env:"DEFAULT_SCOPE"`
	CodeTTL         time.Duration `env:"CODE_TTL" envDefault:"10m"`
	TokenTTL        time.Duration `env:"TOKEN_TTL" envDefault:"1h"`
	AllowPlainPKCE  bool          `env:"ALLOW_PLAIN_PKCE" envDefault:"false"`
	RateLimitRPS    float64       `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST" envDefault:"20"`

	// Session tuning.
	KeepaliveInterval     time.Duration `env:"KEEPALIVE_INTERVAL" envDefault:"15s"`
	DispatchTimeout       time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"30s"`
	MaxConcurrentDispatch int           `env:"MAX_CONCURRENT_DISPATCH" envDefault:"16"`
	QueueSize             int           `env:"QUEUE_SIZE" envDefault:"64"`
	WSOriginPatterns      []string      `env:"WS_ORIGIN_PATTERNS" envSeparator:","`

	// Token store. Empty REDIS_URL keeps codes and tokens in memory.
	RedisURL       string `env:"REDIS_URL"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"toolgate:"`

	// Execution audit log. Disabled when AUDIT_DB_PATH is empty.
	AuditDBPath    string        `env:"AUDIT_DB_PATH"`
	AuditRetention time.Duration `env:"AUDIT_RETENTION" envDefault:"720h"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// keepaliveWarnAt is the interval at or above which idle streams risk
// being cut by proxies with a 30 second idle timeout.
const keepaliveWarnAt = 30 * time.Second

// warnLongKeepalive flags a keepalive interval that common proxies will
// outlast.
func (c *Config) warnLongKeepalive() {
	if c.KeepaliveInterval >= keepaliveWarnAt {
		log.Printf("WARNING: KEEPALIVE_INTERVAL %s is at or above %s; idle streams may be dropped by proxies", c.KeepaliveInterval, keepaliveWarnAt)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	cfg.SupportedScopes = trimAll(cfg.SupportedScopes)
	cfg.WSOriginPatterns = trimAll(cfg.WSOriginPatterns)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.warnLongKeepalive()

	// The watcher compares event paths against an absolute path.
	if cfg.ClientsFile != "" {
		abs, err := filepath.Abs(cfg.ClientsFile)
		if err != nil {
			return nil, fmt.Errorf("resolving clients file path: %w", err)
		}

		cfg.ClientsFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("SERVER_URL must be an absolute http(s) URL")
	}

	if u.Scheme == "http" && c.IsProduction() {
		return fmt.Errorf("SERVER_URL must use https in production")
	}

	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("SERVER_URL must not contain a query or fragment")
	}

	if c.Clients == "" && c.ClientsFile == "" {
		return fmt.Errorf("one of OAUTH_CLIENTS or OAUTH_CLIENTS_FILE is required")
	}

	if c.Clients != "" && c.ClientsFile != "" {
		return fmt.Errorf("OAUTH_CLIENTS and OAUTH_CLIENTS_FILE are mutually exclusive")
	}

	if len(c.SupportedScopes) == 0 {
		return fmt.Errorf("SUPPORTED_SCOPES must list at least one scope")
	}

	for _, s := range strings.Fields(strings.ReplaceAll(c.DefaultScope, ",", " ")) {
		if !slices.Contains(c.SupportedScopes, s) {
			return fmt.Errorf("DEFAULT_SCOPE %q is not in SUPPORTED_SCOPES", s)
		}
	}

	if c.CodeTTL <= 0 || c.TokenTTL <= 0 {
		return fmt.Errorf("CODE_TTL and TOKEN_TTL must be positive")
	}

	if c.KeepaliveInterval <= 0 || c.DispatchTimeout <= 0 {
		return fmt.Errorf("KEEPALIVE_INTERVAL and DISPATCH_TIMEOUT must be positive")
	}

	if c.MaxConcurrentDispatch < 1 || c.QueueSize < 1 {
		return fmt.Errorf("MAX_CONCURRENT_DISPATCH and QUEUE_SIZE must be at least 1")
	}

	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LoadClients returns the configured OAuth clients.
func (c *Config) LoadClients() ([]models.OAuthClient, error) {
	if c.ClientsFile != "" {
		return clients.LoadFile(c.ClientsFile)
	}

	return clients.ParseInline(c.Clients)
}

func trimAll(in []string) []string {
	out := in[:0]

	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}
