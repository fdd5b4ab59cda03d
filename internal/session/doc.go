// Package session owns the Nanit account session: password and
// verification-code sign-in, refresh-token rotation with SQLite
// persistence, expiry-driven token renewal, failure backoff, and device
// discovery from the account's baby profiles.
//
// Key Design Decisions:
//
//  1. One mutex serializes all authentication work. The poll loop, the
//     local API, and the directory fetch can all demand a token at once;
//     serializing them means at most one login is ever in flight and the
//     cloud never sees a thundering herd of credential posts.
//
//  2. MFA is a state, not an error path. When the cloud issues a
//     challenge, the manager parks in a pending-challenge state (mutually
//     exclusive with holding a live token) and every EnsureAuthenticated
//     returns ErrMFARequired until SubmitMFACode resolves it. MFA never
//     counts toward the failure backoff.
//
//  3. Refresh tokens rotate on every use and the previous one dies, so
//     each rotation is persisted immediately. A restart resumes the
//     session from the store instead of re-running a password login.
//
//  4. Failed attempts back off 30s, 2m, 5m; after three consecutive
//     failures the account cools off for 30 minutes. Cloud-side lockout
//     from a stale password is worse than a slow recovery.
package session
