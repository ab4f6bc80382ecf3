// Package tokenstore holds the ephemeral, TTL-keyed state of the OAuth
// flow: one key per authorization code and one per access token. It is
// the only state shared between sessions.
package tokenstore

import (
	"context"
	"time"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/alexjbarnes/toolgate/internal/tokenstore Store

// ErrNotFound is returned by Get and Take when a key is absent or expired.
var ErrNotFound = apperrors.ErrNotFound

// Store is a TTL key/value store. All operations are atomic with respect
// to concurrent callers. An expired key never returns a hit.
type Store interface {
	// Put stores value under key for ttl. A non-positive ttl is rejected.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Take atomically returns and deletes the value for key, or
	// ErrNotFound. Used for single-use credentials.
	Take(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Key prefixes for the two record kinds.
const (
	CodePrefix  = "auth_code:"
	TokenPrefix = "access_token:"
)

// CodeKey returns the store key for an authorization code.
func CodeKey(code string) string { return CodePrefix + code }

// TokenKey returns the store key for an access token.
func TokenKey(token string) string { return TokenPrefix + token }
