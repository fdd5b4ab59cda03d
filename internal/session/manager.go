package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/com6056/nanit-sound-light/internal/infrastructure/config"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/logging"
)

// Backoff policy for failed authentication attempts. Delays escalate per
// consecutive failure; after maxAuthAttempts the account enters a long
// cooldown so a bad password cannot hammer the cloud (and trip account
// lockout) indefinitely.
var authBackoffDelays = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
}

const (
	maxAuthAttempts = 3
	authCooldown    = 30 * time.Minute

	// apiVersionHeader and apiVersion pin the REST contract; the cloud
	// serves a different (incompatible) shape without it.
	apiVersionHeader = "nanit-api-version"
	apiVersion       = "1"

	// statusMFARequired is the cloud's non-standard "challenge issued"
	// status. A plain 200 on login means the same thing.
	statusMFARequired = 482
)

// TokenObserver is notified whenever the refresh token rotates.
// Called outside the manager's lock.
type TokenObserver func(refreshToken string)

// MFAObserver is notified when sign-in pauses on a verification code.
type MFAObserver func()

// Manager owns the account session: access and refresh tokens, the MFA
// challenge state, and the failure backoff window.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Authentication attempts are
//     serialized under one mutex so concurrent callers never race a login.
//
// Invariant: a pending MFA challenge and a live access token are mutually
// exclusive. Entering the challenge state clears the tokens; completing it
// clears the challenge.
type Manager struct {
	cfg    *config.Config
	log    *logging.Logger
	store  *TokenStore
	client *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	mfaToken     string

	failures     int
	blockedUntil time.Time

	onToken TokenObserver
	onMFA   MFAObserver
}

// NewManager creates a session manager. The stored refresh token (if any)
// is loaded lazily on the first EnsureAuthenticated call.
func NewManager(cfg *config.Config, log *logging.Logger, store *TokenStore) *Manager {
	return &Manager{
		cfg:   cfg,
		log:   log.With("component", "session"),
		store: store,
		client: &http.Client{
			Timeout: cfg.GetRequestTimeout(),
		},
		refreshToken: cfg.Account.RefreshToken,
	}
}

// OnTokenUpdate registers the rotation observer. Must be called before the
// first EnsureAuthenticated.
func (m *Manager) OnTokenUpdate(fn TokenObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onToken = fn
}

// OnMFARequired registers the challenge observer. Must be called before
// the first EnsureAuthenticated.
func (m *Manager) OnMFARequired(fn MFAObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMFA = fn
}

// AccessToken returns the current access token, or "" when not signed in.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken
}

// MFAPending reports whether sign-in is blocked on a verification code.
func (m *Manager) MFAPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mfaToken != ""
}

// EnsureAuthenticated brings the session to a usable state, doing nothing
// when the current access token is still comfortably valid.
//
// The escalation order is:
//  1. current access token, unless within the refresh buffer of expiry
//  2. refresh via the rotated refresh token (stored token on first call)
//  3. password login, which may pause on an MFA challenge
//
// Returns:
//   - nil: session is usable, AccessToken returns a live token
//   - ErrMFARequired: paused until SubmitMFACode is called
//   - ErrBackoffActive: a failure window gates password login and no
//     refresh token could rescue the session
//   - other: the attempt failed (and widened the backoff window)
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mfaToken != "" {
		return ErrMFARequired
	}

	if !tokenExpiring(m.accessToken, m.cfg.GetTokenRefreshBuffer(), time.Now()) {
		return nil
	}

	if m.refreshToken == "" {
		if stored, err := m.store.Load(ctx, m.cfg.Account.Email); err != nil {
			m.log.Warn("failed to load stored refresh token", "error", err)
		} else {
			m.refreshToken = stored
		}
	}

	// A silent refresh is always attempted, even inside a failure window:
	// it never counts toward the backoff, and a valid rotated token must
	// not sit unused for the length of a cooldown.
	if m.refreshToken != "" {
		err := m.refreshLocked(ctx)
		if err == nil {
			return nil
		}
		m.accessToken = ""
		if isTokenDead(err) {
			// The rotated token chain is broken. Fall back to credentials.
			m.log.Warn("refresh token rejected, falling back to password login")
			m.refreshToken = ""
			if err := m.store.Delete(ctx, m.cfg.Account.Email); err != nil {
				m.log.Warn("failed to delete dead refresh token", "error", err)
			}
		} else {
			// Transient refresh trouble; the token may still be good, so
			// keep it for next time and try the credentials now.
			m.log.Warn("session refresh failed, falling back to password login",
				"error", err)
		}
	}

	return m.loginLocked(ctx)
}

// SubmitMFACode completes a pending challenge with the user's code.
//
// Returns:
//   - nil: sign-in completed, the session is usable
//   - ErrNoMFAPending: no challenge is waiting
//   - ErrAuthFailed: the cloud rejected the code; the challenge stays
//     pending so a mistyped code can be retried
func (m *Manager) SubmitMFACode(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mfaToken == "" {
		return ErrNoMFAPending
	}

	// Codes arrive copy-pasted from email clients; strip the quotes and
	// whitespace they like to bring along.
	code = strings.Trim(strings.TrimSpace(code), `"'`)

	body := map[string]string{
		"email":     m.cfg.Account.Email,
		"password":  m.cfg.Account.Password,
		"channel":   "email",
		"mfa_token": m.mfaToken,
		"mfa_code":  code,
	}

	status, payload, err := m.post(ctx, "/login", body)
	if err != nil {
		return fmt.Errorf("submitting verification code: %w", err)
	}

	if status != http.StatusCreated {
		m.log.Warn("verification code rejected", "status", status)
		return fmt.Errorf("%w: verification code rejected (status %d)", ErrAuthFailed, status)
	}

	tokens, err := parseTokens(payload)
	if err != nil {
		return err
	}

	m.mfaToken = ""
	m.adoptTokensLocked(ctx, tokens)
	m.log.Info("signed in with verification code")
	return nil
}

// Invalidate drops the current access token, forcing the next
// EnsureAuthenticated to refresh. Called when an API request comes back
// 401 despite a token that looked valid.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = ""
}

// loginLocked performs a password login. The failure backoff gates only
// this path; failed logins risk account lockout in a way silent refreshes
// do not. Caller holds the lock.
func (m *Manager) loginLocked(ctx context.Context) error {
	if time.Now().Before(m.blockedUntil) {
		return fmt.Errorf("%w: retry in %s",
			ErrBackoffActive, time.Until(m.blockedUntil).Round(time.Second))
	}

	body := map[string]string{
		"email":    m.cfg.Account.Email,
		"password": m.cfg.Account.Password,
		"channel":  "email",
	}

	status, payload, err := m.post(ctx, "/login", body)
	if err != nil {
		m.recordFailureLocked()
		return fmt.Errorf("logging in: %w", err)
	}

	switch status {
	case http.StatusCreated:
		tokens, err := parseTokens(payload)
		if err != nil {
			m.recordFailureLocked()
			return err
		}
		m.adoptTokensLocked(ctx, tokens)
		m.log.Info("signed in with password")
		return nil

	case http.StatusOK, statusMFARequired:
		// Challenge issued: the cloud emailed a code and handed back a
		// short-lived challenge token. Not a failure.
		var challenge struct {
			MFAToken string `json:"mfa_token"`
		}
		if err := json.Unmarshal(payload, &challenge); err != nil || challenge.MFAToken == "" {
			m.recordFailureLocked()
			return fmt.Errorf("%w: challenge response carried no mfa_token", ErrUnexpectedStatus)
		}
		m.accessToken = ""
		m.mfaToken = challenge.MFAToken
		m.log.Info("verification code required to sign in")
		if m.onMFA != nil {
			go m.onMFA()
		}
		return ErrMFARequired

	default:
		m.recordFailureLocked()
		m.log.Warn("login rejected", "status", status)
		return fmt.Errorf("%w: login rejected (status %d)", ErrAuthFailed, status)
	}
}

// refreshLocked exchanges the refresh token for a new token pair.
// Caller holds the lock.
func (m *Manager) refreshLocked(ctx context.Context) error {
	body := map[string]string{"refresh_token": m.refreshToken}

	status, payload, err := m.post(ctx, "/tokens/refresh", body)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
		tokens, err := parseTokens(payload)
		if err != nil {
			return err
		}
		m.adoptTokensLocked(ctx, tokens)
		m.log.Debug("session refreshed")
		return nil

	case http.StatusUnauthorized, http.StatusNotFound:
		return fmt.Errorf("%w: refresh token dead (status %d)", errTokenDead, status)

	default:
		return fmt.Errorf("%w: token refresh (status %d)", ErrUnexpectedStatus, status)
	}
}

// adoptTokensLocked installs a new token pair, resets the failure window,
// persists the rotation, and notifies the observer. Caller holds the lock.
func (m *Manager) adoptTokensLocked(ctx context.Context, tokens tokenPair) {
	m.accessToken = tokens.AccessToken
	m.refreshToken = tokens.RefreshToken
	m.failures = 0
	m.blockedUntil = time.Time{}

	if err := m.store.Save(ctx, m.cfg.Account.Email, tokens.RefreshToken); err != nil {
		m.log.Warn("failed to persist refresh token", "error", err)
	}

	if m.onToken != nil {
		go m.onToken(tokens.RefreshToken)
	}
}

// recordFailureLocked widens the backoff window after a failed attempt.
// Caller holds the lock.
func (m *Manager) recordFailureLocked() {
	m.failures++
	if m.failures >= maxAuthAttempts {
		m.blockedUntil = time.Now().Add(authCooldown)
		m.failures = 0
		m.log.Warn("authentication attempts exhausted, cooling off",
			"cooldown", authCooldown.String())
		return
	}

	delay := authBackoffDelays[m.failures-1]
	m.blockedUntil = time.Now().Add(delay)
	m.log.Warn("authentication failed, backing off",
		"attempt", m.failures, "delay", delay.String())
}

// post sends a JSON POST to the REST API and returns the status and body.
func (m *Manager) post(ctx context.Context, path string, body any) (int, []byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.Nanit.APIBase+path, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiVersionHeader, apiVersion)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // Read side only

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}

	return resp.StatusCode, payload, nil
}

// tokenPair is the cloud's token issue/rotation response body.
type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func parseTokens(payload []byte) (tokenPair, error) {
	var tokens tokenPair
	if err := json.Unmarshal(payload, &tokens); err != nil {
		return tokenPair{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return tokenPair{}, fmt.Errorf("%w: token response missing tokens", ErrUnexpectedStatus)
	}
	return tokens, nil
}
