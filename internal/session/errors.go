package session

import "errors"

// Sentinel errors for authentication outcomes. Callers use errors.Is to
// distinguish "wait for the user" and "wait for the clock" from hard
// failures.
var (
	// ErrMFARequired means sign-in is paused until a verification code is
	// submitted via SubmitMFACode. Not a failure: no backoff applies.
	ErrMFARequired = errors.New("multi-factor verification code required")

	// ErrBackoffActive means recent authentication failures have this
	// account in a cooling-off window and no attempt was made.
	ErrBackoffActive = errors.New("authentication backoff active")

	// ErrAuthFailed means the cloud rejected the credentials or code.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNoMFAPending means SubmitMFACode was called without a pending
	// challenge to answer.
	ErrNoMFAPending = errors.New("no multi-factor challenge pending")

	// ErrUnexpectedStatus wraps REST responses outside the documented set.
	ErrUnexpectedStatus = errors.New("unexpected response status")
)

// errTokenDead marks a refresh rejection that should trigger the password
// fallback rather than a retry. Internal: callers only ever see the
// fallback's outcome.
var errTokenDead = errors.New("refresh token no longer valid")

func isTokenDead(err error) bool {
	return errors.Is(err, errTokenDead)
}
