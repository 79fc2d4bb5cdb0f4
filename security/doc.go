// Package security provides security-related functionality for the
// authorization server and session gateway: PKCE verification, per-identifier
// rate limiting, client IP extraction, security headers, clock-skew-tolerant
// expiry checks, and audit logging with hashed PII.
//
// # Rate Limiting
//
// The RateLimiter provides per-identifier rate limiting using a token bucket
// algorithm with automatic memory management through LRU eviction. Bounded
// entry counts keep memory stable under distributed abuse; idle entries are
// swept on an interval.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // Rate limit exceeded
//	}
//
// # PKCE
//
// VerifyPKCE implements the S256 code challenge method from RFC 7636 with a
// constant-time digest comparison. The plain method is rejected.
//
// # Audit Logging
//
// The Auditor logs security-relevant events with user identifiers reduced to
// short SHA-256 hashes so that logs never carry raw PII.
package security
