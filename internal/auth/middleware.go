package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
)

type contextKey int

const (
	ctxAccessToken contextKey = iota
	ctxRemoteIP
)

// RequestToken returns the validated access token from the context, or nil.
func RequestToken(ctx context.Context) *models.AccessToken {
	v, _ := ctx.Value(ctxAccessToken).(*models.AccessToken)
	return v
}

// RequestClientID returns the OAuth client ID from the context, or "".
func RequestClientID(ctx context.Context) string {
	if at := RequestToken(ctx); at != nil {
		return at.ClientID
	}

	return ""
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// WithToken returns a context carrying a validated token. Exposed for
// handlers that authenticate outside Middleware and for tests.
func WithToken(ctx context.Context, at *models.AccessToken) context.Context {
	return context.WithValue(ctx, ctxAccessToken, at)
}

// bearerToken extracts the token from an Authorization header. The
// scheme is matched case-insensitively (RFC 6750 Section 2.1).
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")

	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)

	return token, token != ""
}

// ValidateToken resolves token and checks expiry and audience (RFC 8707).
func (p *Provider) ValidateToken(ctx context.Context, token string) (*models.AccessToken, error) {
	at, err := LookupToken(ctx, p.store, token, p.now())
	if err != nil {
		return nil, err
	}

	if at.Resource != "" && !p.resourceMatches(at.Resource) {
		return nil, fmt.Errorf("%w: resource mismatch", apperrors.ErrInvalidToken)
	}

	return at, nil
}

// Authenticate validates the bearer token on r. The error wraps
// ErrInvalidToken when the token is missing, unknown or expired, and
// ErrStoreUnavailable when it could not be checked.
func (p *Provider) Authenticate(r *http.Request) (*models.AccessToken, error) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, errMissingToken
	}

	return p.ValidateToken(r.Context(), token)
}

var errMissingToken = fmt.Errorf("%w: no bearer token", apperrors.ErrInvalidToken)

// WriteChallenge answers an authentication failure with 401 and a
// WWW-Authenticate header pointing at the protected resource metadata
// (RFC 9728 Section 5.1). A store outage is also a 401 so clients
// restart the flow instead of treating the server as broken.
func (p *Provider) WriteChallenge(w http.ResponseWriter, r *http.Request, err error) {
	metadataURL := p.ResourceMetadataURL()

	reason := "invalid_token"

	switch {
	case errors.Is(err, errMissingToken):
		// RFC 6750 Section 3.1: no error attribute when no token was provided.
		reason = "missing_token"
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL))
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		reason = "store_unavailable"

		p.logger.Error("token store unavailable during authentication", slog.String("error", err.Error()))
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="invalid_token", error_description="token could not be verified", resource_metadata="%s"`, metadataURL))
	default:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL))
	}

	p.metrics.RecordAuthFailure(r.Context(), reason)
	p.logger.Debug("authentication failed",
		slog.String("reason", reason),
		slog.String("ip", remoteIP(r)),
		slog.String("path", r.URL.Path),
	)

	setCORSHeaders(w)
	w.Header().Set("Access-Control-Expose-Headers", "WWW-Authenticate, Mcp-Session-Id")
	writeJSONError(w, http.StatusUnauthorized, "invalid_token", "a valid bearer token is required")
}

// Middleware returns HTTP middleware that validates Bearer tokens and
// stores the resolved token in the request context.
func (p *Provider) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			at, err := p.Authenticate(r)
			if err != nil {
				p.WriteChallenge(w, r, err)
				return
			}

			ctx := WithToken(r.Context(), at)
			ctx = context.WithValue(ctx, ctxRemoteIP, remoteIP(r))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
