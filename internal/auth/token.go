package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/logging"
	"github.com/alexjbarnes/toolgate/internal/models"
	"golang.org/x/crypto/bcrypt"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// TokenResponse is the successful token endpoint body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

func parseTokenRequest(r *http.Request) (tokenRequest, error) {
	var req tokenRequest

	// Support both JSON and form-encoded bodies.
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}

		req = tokenRequest{
			GrantType:    r.PostFormValue("grant_type"),
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			CodeVerifier: r.PostFormValue("code_verifier"),
			ClientID:     r.PostFormValue("client_id"),
			ClientSecret: r.PostFormValue("client_secret"),
		}
	}

	// RFC 6749 Section 2.3.1: client_secret_basic.
	if id, secret, ok := r.BasicAuth(); ok {
		if req.ClientID == "" {
			req.ClientID = id
		}

		if req.ClientSecret == "" && id == req.ClientID {
			req.ClientSecret = secret
		}
	}

	return req, nil
}

// HandleToken returns the /token handler.
func (p *Provider) HandleToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		ctx := r.Context()

		ip := remoteIP(r)
		if !p.limiter.allow(ip) {
			p.logger.Warn("token rate limited", slog.String("ip", ip))
			p.metrics.RecordRateLimitExceeded(ctx, "token")
			writeJSONError(w, http.StatusTooManyRequests, "slow_down", "too many requests, try again later")

			return
		}

		fail := func(status int, errCode, description string) {
			p.metrics.RecordOAuthError(ctx, "token", errCode)
			writeJSONError(w, status, errCode, description)
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		req, err := parseTokenRequest(r)
		if err != nil {
			fail(http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if req.GrantType != "authorization_code" {
			fail(http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
			return
		}

		if req.Code == "" {
			fail(http.StatusBadRequest, "invalid_request", "code is required")
			return
		}

		if req.ClientID == "" {
			fail(http.StatusBadRequest, "invalid_request", "client_id is required")
			return
		}

		// The code is consumed before any other check, so a failed
		// exchange also burns it.
		ac, err := consumeCode(ctx, p.store, req.Code, p.now())
		if err != nil {
			if errors.Is(err, apperrors.ErrInvalidGrant) {
				fail(http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
				return
			}

			p.logger.Error("token: consuming code", slog.String("error", err.Error()))
			fail(http.StatusServiceUnavailable, "temporarily_unavailable", "authorization server is temporarily unavailable")

			return
		}

		if req.ClientID != ac.ClientID {
			fail(http.StatusBadRequest, "invalid_grant", "client_id mismatch")
			return
		}

		client := p.clients.Get(ac.ClientID)
		if client == nil {
			fail(http.StatusUnauthorized, "invalid_client", "client is no longer configured")
			return
		}

		if client.Confidential() && !verifyClientSecret(client, req.ClientSecret) {
			p.logger.Warn("token: client authentication failed", slog.String("client_id", client.ClientID))
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
			fail(http.StatusUnauthorized, "invalid_client", "client authentication failed")

			return
		}

		// RFC 6749 Section 4.1.3: required only when the authorization
		// request carried it, but a value that is sent must match.
		if (ac.RedirectURIProvided || req.RedirectURI != "") && req.RedirectURI != ac.RedirectURI {
			fail(http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
			return
		}

		if req.CodeVerifier == "" {
			fail(http.StatusBadRequest, "invalid_grant", "code_verifier is required")
			return
		}

		if !verifyPKCE(ac.CodeChallengeMethod, req.CodeVerifier, ac.CodeChallenge) {
			p.logger.Warn("token: PKCE verification failed", slog.String("client_id", ac.ClientID))
			fail(http.StatusBadRequest, "invalid_grant", apperrors.ErrPKCEMismatch.Error())

			return
		}

		now := p.now()
		at := &models.AccessToken{
			Token:     RandomHex(accessTokenBytes),
			ClientID:  ac.ClientID,
			Scope:     NormalizeScope(ac.Scope),
			Resource:  ac.Resource,
			IssuedAt:  now,
			ExpiresAt: now.Add(p.cfg.TokenTTL),
		}

		if err := saveToken(ctx, p.store, at); err != nil {
			p.logger.Error("token: storing access token", slog.String("error", err.Error()))
			fail(http.StatusServiceUnavailable, "temporarily_unavailable", "authorization server is temporarily unavailable")

			return
		}

		p.metrics.RecordTokenIssued(ctx, at.ClientID)
		p.logger.Info("access token issued",
			slog.String("client_id", at.ClientID),
			slog.String("scope", at.Scope),
			slog.String("token", logging.TokenPrefix(at.Token)),
		)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: at.Token,
			TokenType:   "bearer",
			ExpiresIn:   int(p.cfg.TokenTTL.Seconds()),
			Scope:       at.Scope,
		})
	}
}

func verifyClientSecret(client *models.OAuthClient, secret string) bool {
	if secret == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) == nil
}
