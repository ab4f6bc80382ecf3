// Package models defines types shared across internal packages.
package models

import "time"

// AuthCode is the record stored for a pending authorization code. It is
// serialized as JSON into the token store under auth_code:<code>.
type AuthCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	// RedirectURIProvided records whether the authorization request named
	// redirect_uri, which makes it required at the token endpoint.
	RedirectURIProvided bool      `json:"redirect_uri_provided,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scope               string    `json:"scope"`
	Resource            string    `json:"resource,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AccessToken is the record stored for an issued bearer token under
// access_token:<token>. Scope is always normalized.
type AccessToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope"`
	Resource  string    `json:"resource,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry at t.
func (a *AccessToken) Expired(t time.Time) bool {
	return !t.Before(a.ExpiresAt)
}

// OAuthClient is a statically configured OAuth client.
type OAuthClient struct {
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientName   string   `json:"client_name,omitempty" yaml:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris" yaml:"redirect_uris"`

	// DefaultScope is granted when an authorization request omits scope.
	DefaultScope string `json:"default_scope,omitempty" yaml:"default_scope,omitempty"`

	// SecretHash is a bcrypt hash. When set the client is confidential
	// and must authenticate at the token endpoint.
	SecretHash string `json:"-" yaml:"secret_hash,omitempty"`
}

// Confidential reports whether the client must present a secret.
func (c *OAuthClient) Confidential() bool {
	return c.SecretHash != ""
}
