package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"regexp"
)

// PKCE methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// verifierPattern is the RFC 7636 Section 4.1 code_verifier grammar. The
// same character set and length bounds apply to a plain challenge.
var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// supportedPKCEMethods returns the methods advertised and accepted.
func supportedPKCEMethods(allowPlain bool) []string {
	if allowPlain {
		return []string{PKCEMethodS256, PKCEMethodPlain}
	}

	return []string{PKCEMethodS256}
}

// S256Challenge derives the S256 code_challenge for a verifier.
func S256Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// verifyPKCE recomputes the challenge from verifier with method and
// compares it to the stored challenge in constant time.
func verifyPKCE(method, verifier, challenge string) bool {
	if !verifierPattern.MatchString(verifier) {
		return false
	}

	var computed string

	switch method {
	case PKCEMethodS256:
		computed = S256Challenge(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return false
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
