package errors

import "errors"

// Authorization and token errors.
var (
	ErrUnknownClient       = errors.New("unknown client_id")
	ErrRedirectURIMismatch = errors.New("redirect_uri not registered for this client")
	ErrUnsupportedScope    = errors.New("unsupported scope")
	ErrUnsupportedMethod   = errors.New("unsupported code_challenge_method")
	ErrInvalidGrant        = errors.New("invalid or expired authorization code")
	ErrPKCEMismatch        = errors.New("PKCE verification failed")
	ErrInvalidToken        = errors.New("invalid or expired token")
)

// Storage errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrStoreUnavailable = errors.New("token store unavailable")
)

// Session and transport errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrStreamWrite     = errors.New("stream write failed")
)
