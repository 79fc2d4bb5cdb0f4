package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newTestAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestNewAuditor(t *testing.T) {
	auditor := NewAuditor(nil, true)
	if auditor == nil {
		t.Fatal("NewAuditor() returned nil")
	}
	if auditor.logger == nil {
		t.Error("NewAuditor(nil, ...) should fall back to the default logger")
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled auditor logs", enabled: true, wantLog: true},
		{name: "disabled auditor is silent", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newTestAuditor(tt.enabled)
			auditor.LogEvent(AuditEvent{
				Type:      EventAuthFailure,
				UserID:    "user-123",
				IPAddress: "192.168.1.1",
			})
			if hasLog := buf.Len() > 0; hasLog != tt.wantLog {
				t.Errorf("LogEvent() logged = %v, want %v", hasLog, tt.wantLog)
			}
		})
	}
}

func TestAuditor_HashesPII(t *testing.T) {
	auditor, buf := newTestAuditor(true)

	auditor.LogTokenIssued("user-123", "client-456", "192.168.1.1", "mcp")

	out := buf.String()
	if out == "" {
		t.Fatal("LogTokenIssued() should have produced log output")
	}
	if strings.Contains(out, "user-123") {
		t.Error("log output contains raw user id, want hashed")
	}
	if !strings.Contains(out, "client-456") {
		t.Error("log output missing client id")
	}
}

func TestAuditor_EventMethods(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		wantEvent string
	}{
		{
			name:      "code issued",
			log:       func(a *Auditor) { a.LogCodeIssued("u", "c", "1.2.3.4", "mcp") },
			wantEvent: EventAuthorizationCodeIssued,
		},
		{
			name:      "token refreshed",
			log:       func(a *Auditor) { a.LogTokenRefreshed("u", "c", "1.2.3.4", true) },
			wantEvent: EventTokenRefreshed,
		},
		{
			name:      "auth failure",
			log:       func(a *Auditor) { a.LogAuthFailure("u", "c", "1.2.3.4", "bad token") },
			wantEvent: EventAuthFailure,
		},
		{
			name:      "invalid pkce",
			log:       func(a *Auditor) { a.LogInvalidPKCE("c", "1.2.3.4", "challenge mismatch") },
			wantEvent: EventPKCEValidationFailed,
		},
		{
			name:      "rate limit exceeded",
			log:       func(a *Auditor) { a.LogRateLimitExceeded("1.2.3.4", "u") },
			wantEvent: EventRateLimitExceeded,
		},
		{
			name:      "client registered",
			log:       func(a *Auditor) { a.LogClientRegistered("c", "public", "1.2.3.4") },
			wantEvent: EventClientRegistered,
		},
		{
			name:      "session opened",
			log:       func(a *Auditor) { a.LogSessionOpened("sess-1", "u", "c", "1.2.3.4") },
			wantEvent: EventSessionOpened,
		},
		{
			name:      "session closed",
			log:       func(a *Auditor) { a.LogSessionClosed("sess-1", "u", "idle_timeout") },
			wantEvent: EventSessionClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newTestAuditor(true)
			tt.log(auditor)
			if !strings.Contains(buf.String(), tt.wantEvent) {
				t.Errorf("log output missing event type %q: %s", tt.wantEvent, buf.String())
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	h1 := hashForLogging("user-123")
	h2 := hashForLogging("user-123")
	if h1 != h2 {
		t.Error("hashForLogging() not deterministic")
	}
	if len(h1) != 16 {
		t.Errorf("hashForLogging() length = %d, want 16", len(h1))
	}
	if h1 == "user-123" {
		t.Error("hashForLogging() returned input unchanged")
	}
}
