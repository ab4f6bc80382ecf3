package auth

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/alexjbarnes/toolgate/internal/logging"
	"github.com/alexjbarnes/toolgate/internal/models"
)

// authorizeRequest is the parsed set of authorization parameters.
type authorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

func parseAuthorizeRequest(r *http.Request) authorizeRequest {
	return authorizeRequest{
		ClientID:            r.FormValue("client_id"),
		RedirectURI:         r.FormValue("redirect_uri"),
		ResponseType:        r.FormValue("response_type"),
		Scope:               r.FormValue("scope"),
		State:               r.FormValue("state"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
		Resource:            r.FormValue("resource"),
	}
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. This must only be called
// after the redirect_uri and client_id have been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// appendQuery adds params to uri, retaining any existing query component
// (RFC 6749 Section 4.1.2).
func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	return uri + sep + params.Encode()
}

// HandleAuthorize returns the /authorize handler. Clients are statically
// configured, so a valid request is approved without user interaction
// and answered with a redirect carrying the code.
func (p *Provider) HandleAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		ip := remoteIP(r)
		if !p.limiter.allow(ip) {
			p.logger.Warn("authorize rate limited", slog.String("ip", ip))
			p.metrics.RecordRateLimitExceeded(r.Context(), "authorize")
			writeJSONError(w, http.StatusTooManyRequests, "slow_down", "too many requests, try again later")

			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
			return
		}

		p.authorize(w, r, parseAuthorizeRequest(r))
	}
}

func (p *Provider) authorize(w http.ResponseWriter, r *http.Request, req authorizeRequest) {
	ctx := r.Context()

	// Until both the client and the redirect target are trusted, errors
	// are returned directly and never redirected.
	if req.ClientID == "" {
		p.rejectAuthorize(w, r, "invalid_request", "missing client_id")
		return
	}

	client := p.clients.Get(req.ClientID)
	if client == nil {
		p.rejectAuthorize(w, r, "invalid_client", "unknown client_id")
		return
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		// RFC 6749 Section 3.1.2.3: when only one redirect URI is
		// registered, use it. Otherwise require an explicit value.
		if len(client.RedirectURIs) != 1 {
			p.rejectAuthorize(w, r, "invalid_request", "redirect_uri is required when multiple URIs are registered")
			return
		}

		redirectURI = client.RedirectURIs[0]
	} else if !validateRedirectURI(client, redirectURI) {
		p.logger.Warn("authorize: redirect_uri rejected",
			slog.String("client_id", client.ClientID),
			slog.String("redirect_uri", redirectURI),
		)
		p.rejectAuthorize(w, r, "invalid_request", "redirect_uri not registered for this client")

		return
	}

	fail := func(errCode, description string) {
		p.metrics.RecordOAuthError(ctx, "authorize", errCode)
		redirectWithError(w, r, redirectURI, req.State, errCode, description)
	}

	// RFC 6749 Section 4.1.1: response_type is REQUIRED and must be "code".
	if req.ResponseType != "code" {
		errCode := "unsupported_response_type"
		if req.ResponseType == "" {
			errCode = "invalid_request"
		}

		fail(errCode, `response_type must be "code"`)

		return
	}

	if req.CodeChallenge == "" {
		fail("invalid_request", "code_challenge is required (PKCE)")
		return
	}

	method := req.CodeChallengeMethod
	if method == "" {
		// RFC 7636 Section 4.3 defaults to plain, which is only honored
		// when plain is enabled. OAuth 2.1 clients always send S256.
		method = PKCEMethodPlain
	}

	if !slices.Contains(supportedPKCEMethods(p.cfg.AllowPlainPKCE), method) {
		fail("invalid_request", "unsupported code_challenge_method")
		return
	}

	if method == PKCEMethodPlain && !verifierPattern.MatchString(req.CodeChallenge) {
		fail("invalid_request", "malformed plain code_challenge")
		return
	}

	scope, err := resolveScope(req.Scope, client, p.cfg.DefaultScope, p.cfg.SupportedScopes)
	if err != nil {
		fail("invalid_scope", err.Error())
		return
	}

	// RFC 8707: accept the resource parameter. Clients SHOULD send it,
	// but its absence is tolerated.
	if req.Resource != "" && !p.resourceMatches(req.Resource) {
		fail("invalid_target", "resource parameter does not match this server")
		return
	}

	now := p.now()
	code := RandomHex(authCodeBytes)

	err = saveCode(ctx, p.store, &models.AuthCode{
		Code:                code,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		RedirectURIProvided: req.RedirectURI != "",
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Scope:               scope,
		Resource:            req.Resource,
		ExpiresAt:           now.Add(p.cfg.CodeTTL),
	}, p.cfg.CodeTTL)
	if err != nil {
		p.logger.Error("authorize: storing code", slog.String("error", err.Error()))
		fail("temporarily_unavailable", "authorization server is temporarily unavailable")

		return
	}

	p.metrics.RecordCodeIssued(ctx, client.ClientID, method)
	p.logger.Info("authorization code issued",
		slog.String("client_id", client.ClientID),
		slog.String("scope", scope),
		slog.String("code", logging.TokenPrefix(code)),
	)

	params := url.Values{}
	params.Set("code", code)

	if req.State != "" {
		params.Set("state", req.State)
	}

	// RFC 9207: include the issuer identifier to prevent mix-up attacks.
	if p.cfg.ServerURL != "" {
		params.Set("iss", p.cfg.ServerURL)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

func (p *Provider) rejectAuthorize(w http.ResponseWriter, r *http.Request, errCode, description string) {
	p.metrics.RecordOAuthError(r.Context(), "authorize", errCode)
	writeJSONError(w, http.StatusBadRequest, errCode, description)
}

// validateRedirectURI checks that redirectURI matches one of the client's
// registered redirect_uris. Exact match is required in general. For a
// registered bare loopback prefix (http://127.0.0.1 or http://localhost)
// any port and path are accepted, following RFC 8252 Section 7.3.
func validateRedirectURI(client *models.OAuthClient, redirectURI string) bool {
	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}

		// Parse both as URLs and compare hostnames to prevent DNS
		// confusion (e.g. 127.0.0.1.evil.com).
		if isLocalhostPrefix(registered) && isLoopbackRedirect(redirectURI, registered) {
			return true
		}
	}

	return false
}

// isLocalhostPrefix returns true if the URI is an HTTP loopback prefix
// without a port or path.
func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://localhost" || uri == "http://[::1]"
}

// isLoopbackRedirect checks if redirectURI is a valid loopback redirect
// matching the registered prefix URI by scheme and hostname. Userinfo
// and fragments are rejected.
func isLoopbackRedirect(redirectURI, registeredPrefix string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil || ru.User != nil || ru.Fragment != "" {
		return false
	}

	pu, err := url.Parse(registeredPrefix)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}
