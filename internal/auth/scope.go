package auth

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/alexjbarnes/toolgate/internal/models"
)

// NormalizeScope re-serializes a scope string as single-space separated
// tokens in first-seen order, dropping empty segments and duplicates.
// Commas are accepted as separators because some clients send them.
func NormalizeScope(raw string) string {
	return strings.Join(scopeTokens(raw), " ")
}

func scopeTokens(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})

	out := fields[:0]
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}

	return out
}

// resolveScope validates a requested scope against the supported set
// and returns it normalized. An empty request falls back to the client's
// default scope, then the server default, then every supported scope.
func resolveScope(requested string, client *models.OAuthClient, defaultScope string, supported []string) (string, error) {
	tokens := scopeTokens(requested)

	if len(tokens) == 0 {
		for _, fallback := range []string{client.DefaultScope, defaultScope} {
			if tokens = scopeTokens(fallback); len(tokens) > 0 {
				break
			}
		}
	}

	if len(tokens) == 0 {
		tokens = scopeTokens(strings.Join(supported, " "))
	}

	for _, t := range tokens {
		if !slices.Contains(supported, t) {
			return "", fmt.Errorf("%w: %s", apperrors.ErrUnsupportedScope, t)
		}
	}

	if len(tokens) == 0 {
		return "", fmt.Errorf("%w: no scope could be granted", apperrors.ErrUnsupportedScope)
	}

	return strings.Join(tokens, " "), nil
}
