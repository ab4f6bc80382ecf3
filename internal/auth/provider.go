package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/toolgate/internal/instrumentation"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/alexjbarnes/toolgate/internal/tokenstore"
)

// maxRequestBody caps form and JSON bodies on the OAuth endpoints.
const maxRequestBody = 64 << 10

// Default lifetimes.
const (
	DefaultCodeTTL  = 10 * time.Minute
	DefaultTokenTTL = time.Hour
)

// ClientLookup resolves configured OAuth clients.
type ClientLookup interface {
	Get(clientID string) *models.OAuthClient
}

// Config holds the authorization server settings.
type Config struct {
	// ServerURL is the externally visible base URL. It is the issuer
	// (RFC 9207) and the canonical resource identifier (RFC 8707).
	ServerURL string

	SupportedScopes []string
	DefaultScope    string

	CodeTTL  time.Duration
	TokenTTL time.Duration

	// AllowPlainPKCE accepts code_challenge_method=plain in addition to
	// S256.
	AllowPlainPKCE bool

	// RateLimitRPS and RateLimitBurst bound requests per client IP on
	// the authorize and token endpoints. Zero RPS disables the limit.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Provider is the authorization server. It is safe for concurrent use.
type Provider struct {
	cfg     Config
	store   tokenstore.Store
	clients ClientLookup
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	limiter *ipRateLimiter
	now     func() time.Time
}

// NewProvider creates a provider. A nil metrics uses no-op instruments.
func NewProvider(cfg Config, store tokenstore.Store, clients ClientLookup, logger *slog.Logger, metrics *instrumentation.Metrics) *Provider {
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}

	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}

	if metrics == nil {
		metrics = instrumentation.Noop()
	}

	return &Provider{
		cfg:     cfg,
		store:   store,
		clients: clients,
		logger:  logger,
		metrics: metrics,
		limiter: newIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		now:     time.Now,
	}
}

// ServerURL returns the normalized base URL.
func (p *Provider) ServerURL() string {
	return p.cfg.ServerURL
}

// resourceMatches compares a client-supplied resource URI against the
// server's canonical URL. Trailing slashes are stripped before comparison
// because clients may include them (both forms are valid per RFC 3986).
// A resource naming one of the stream paths on this server also matches.
func (p *Provider) resourceMatches(resource string) bool {
	resource = strings.TrimRight(resource, "/")
	if resource == p.cfg.ServerURL {
		return true
	}

	for _, suffix := range ResourcePaths {
		if resource == p.cfg.ServerURL+suffix {
			return true
		}
	}

	return false
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
