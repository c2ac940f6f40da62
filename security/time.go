package security

import "time"

// IsUsable reports whether an access token expiring at expiresOn may be
// handed to a caller at now. There is no grace period: a token is unusable
// from the instant it expires.
func IsUsable(expiresOn, now time.Time) bool {
	return expiresOn.After(now)
}

// IsRefreshDue reports whether less than buffer of the token lifetime is
// left at now. Tokens that are already expired are always due.
func IsRefreshDue(expiresOn, now time.Time, buffer time.Duration) bool {
	return expiresOn.Sub(now) < buffer
}
