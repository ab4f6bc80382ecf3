// Package auth implements the OAuth 2.1 authorization server (authorize
// and token endpoints, discovery documents) and the bearer token check
// used by the stream endpoint. Codes and tokens live in a
// tokenstore.Store; clients come from a clients.Registry.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
	"github.com/alexjbarnes/toolgate/internal/tokenstore"
)

const (
	// authCodeBytes is the number of random bytes in an authorization
	// code (hex-encoded to twice this length).
	authCodeBytes = 32

	// accessTokenBytes is the number of random bytes in an access token.
	accessTokenBytes = 32
)

// saveCode stores an authorization code record until its expiry.
func saveCode(ctx context.Context, store tokenstore.Store, ac *models.AuthCode, ttl time.Duration) error {
	data, err := json.Marshal(ac)
	if err != nil {
		return fmt.Errorf("encoding auth code: %w", err)
	}

	return store.Put(ctx, tokenstore.CodeKey(ac.Code), data, ttl)
}

// consumeCode atomically removes and returns an authorization code. The
// second caller for the same code always gets ErrInvalidGrant.
func consumeCode(ctx context.Context, store tokenstore.Store, code string, now time.Time) (*models.AuthCode, error) {
	data, err := store.Take(ctx, tokenstore.CodeKey(code))
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil, apperrors.ErrInvalidGrant
	}

	if err != nil {
		return nil, err
	}

	var ac models.AuthCode
	if err := json.Unmarshal(data, &ac); err != nil {
		return nil, fmt.Errorf("decoding auth code: %w", err)
	}

	if !now.Before(ac.ExpiresAt) {
		return nil, apperrors.ErrInvalidGrant
	}

	return &ac, nil
}

// saveToken stores an access token record until its expiry.
func saveToken(ctx context.Context, store tokenstore.Store, at *models.AccessToken) error {
	data, err := json.Marshal(at)
	if err != nil {
		return fmt.Errorf("encoding access token: %w", err)
	}

	return store.Put(ctx, tokenstore.TokenKey(at.Token), data, at.ExpiresAt.Sub(at.IssuedAt))
}

// LookupToken resolves a bearer token. Unknown and expired tokens return
// ErrInvalidToken; store failures are wrapped with ErrStoreUnavailable.
func LookupToken(ctx context.Context, store tokenstore.Store, token string, now time.Time) (*models.AccessToken, error) {
	if token == "" {
		return nil, apperrors.ErrInvalidToken
	}

	data, err := store.Get(ctx, tokenstore.TokenKey(token))
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil, apperrors.ErrInvalidToken
	}

	if err != nil {
		if errors.Is(err, apperrors.ErrStoreUnavailable) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}

	var at models.AccessToken
	if err := json.Unmarshal(data, &at); err != nil {
		return nil, fmt.Errorf("%w: decoding access token: %w", apperrors.ErrInvalidToken, err)
	}

	if at.Expired(now) {
		return nil, apperrors.ErrInvalidToken
	}

	return &at, nil
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
