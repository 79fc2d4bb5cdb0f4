package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE code challenge methods. Only S256 is accepted; OAuth 2.1 drops "plain".
const (
	CodeChallengeMethodS256 = "S256"
)

// Code verifier length bounds from RFC 7636 section 4.1.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// VerifyPKCE checks a code_verifier against the code_challenge recorded at
// authorization time. The comparison of the derived challenge is constant
// time. Any method other than S256 fails, as does a missing verifier when a
// challenge was recorded.
func VerifyPKCE(method, challenge, verifier string) error {
	if challenge == "" {
		return fmt.Errorf("no code challenge recorded")
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if method != CodeChallengeMethodS256 {
		return fmt.Errorf("unsupported code challenge method: %q", method)
	}
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return fmt.Errorf("code_verifier length must be between %d and %d characters", minVerifierLength, maxVerifierLength)
	}
	for _, c := range verifier {
		if !isValidVerifierChar(c) {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// isValidVerifierChar reports whether c is in the unreserved character set
// allowed by RFC 7636: ALPHA / DIGIT / "-" / "." / "_" / "~".
func isValidVerifierChar(c rune) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}
