package security

import "time"

// clockSkewGrace absorbs clock drift between the machine that stamped an
// expiry and the machine checking it. A deadline counts as passed only once
// it has been over for longer than this.
const clockSkewGrace = 5 * time.Second

// IsTokenExpired reports whether expiresAt has passed, allowing for clock
// skew. A zero time means no expiry.
func IsTokenExpired(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(clockSkewGrace))
}
