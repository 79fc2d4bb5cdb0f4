package security

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func challengeFor(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := challengeFor(verifier)

	tests := []struct {
		name      string
		method    string
		challenge string
		verifier  string
		wantErr   string
	}{
		{name: "valid S256", method: "S256", challenge: challenge, verifier: verifier},
		{name: "wrong verifier", method: "S256", challenge: challenge, verifier: strings.Repeat("a", 43), wantErr: "does not match"},
		{name: "missing verifier", method: "S256", challenge: challenge, wantErr: "code_verifier is required"},
		{name: "missing challenge", method: "S256", verifier: verifier, wantErr: "no code challenge"},
		{name: "plain method rejected", method: "plain", challenge: verifier, verifier: verifier, wantErr: "unsupported code challenge method"},
		{name: "empty method rejected", method: "", challenge: challenge, verifier: verifier, wantErr: "unsupported code challenge method"},
		{name: "verifier too short", method: "S256", challenge: challenge, verifier: "short", wantErr: "length"},
		{name: "verifier too long", method: "S256", challenge: challenge, verifier: strings.Repeat("a", 129), wantErr: "length"},
		{name: "invalid characters", method: "S256", challenge: challenge, verifier: strings.Repeat("a", 42) + "!", wantErr: "invalid characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPKCE(tt.method, tt.challenge, tt.verifier)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("VerifyPKCE() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("VerifyPKCE() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("VerifyPKCE() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyPKCE_AllowedCharset(t *testing.T) {
	verifier := "abcDEF123-._~" + strings.Repeat("x", 30)
	if err := VerifyPKCE("S256", challengeFor(verifier), verifier); err != nil {
		t.Errorf("VerifyPKCE() with full unreserved charset = %v, want nil", err)
	}
}
