package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry extracts the expiry claim from an access token without
// verifying its signature. The cloud signs tokens with its own key; this
// client only needs to know when to refresh, not to trust the contents.
//
// Returns the zero time when the token is malformed or carries no usable
// exp claim. Unknown expiry is treated as already expiring by the caller:
// refreshing a healthy token is cheap, running with a dead one is not.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}

	return exp.Time
}

// tokenExpiring reports whether the token should be refreshed: expiry is
// unknown, or falls within buffer of now.
func tokenExpiring(token string, buffer time.Duration, now time.Time) bool {
	if token == "" {
		return true
	}

	exp := tokenExpiry(token)
	if exp.IsZero() {
		return true
	}

	return !now.Add(buffer).Before(exp)
}
