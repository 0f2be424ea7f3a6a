package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the grace period applied to expiry
	// checks. It prevents false expiration errors caused by clock drift
	// between the server and whatever provisioned the record, at the cost of
	// honoring a token for up to this long past its true expiry.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired reports whether expiresAt has passed, with the default clock skew
// grace period applied.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod reports whether expiresAt has passed by more than
// gracePeriod. A zero expiresAt means no expiration.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
