package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/securetalk/securetalk-go/internal/models"
	"github.com/securetalk/securetalk-go/internal/store"
)

// refreshMargin is how long before expiry the access token is treated
// as stale. The refresh timer fires at expiry minus this margin.
const refreshMargin = 60 * time.Second

// ErrLoggedOut is returned by Token when no session exists.
var ErrLoggedOut = errors.New("session: not logged in")

// AuthError reports rejected credentials or an irrecoverably dead
// session. A dead session has already forced a logout by the time the
// caller sees this error.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

// ValidationError carries the backend's per-field error map from signup.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], ", "))
	}
	return strings.Join(parts, "; ")
}

// State is the snapshot pushed to subscribers when the session changes.
type State struct {
	LoggedIn bool
	Username string
}

// claims mirrors the backend's access-token payload. Older backend
// versions only set sub, so username falls back to it.
type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// refreshCall is one in-flight refresh shared by all concurrent
// callers. The single-flight rule matters because the refresh token is
// one-time-use: duplicate refreshes would invalidate each other.
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// Store holds the current token pair and derived identity, and keeps
// the access token fresh. One instance is shared by reference across
// all open conversations and the summary poller; only the refresh path
// mutates the pair.
type Store struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	persist store.Store

	mu       sync.Mutex
	access   string
	refresh  string
	username string
	expiry   time.Time
	inflight *refreshCall
	timer    *time.Timer

	subMu sync.Mutex
	subs  []func(State)
}

// New creates a Store talking to the auth endpoints under baseURL.
// persist may be nil when nothing should survive a restart.
func New(baseURL string, persist store.Store, logger *slog.Logger) *Store {
	return &Store{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
		persist: persist,
	}
}

// Subscribe registers a callback invoked after every session change.
func (s *Store) Subscribe(fn func(State)) {
	s.subMu.Lock()
	s.subs = append(s.subs, fn)
	s.subMu.Unlock()
}

func (s *Store) notify(state State) {
	s.subMu.Lock()
	subs := make([]func(State), len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

// Identity returns the username derived from the current access token.
func (s *Store) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// LoggedIn reports whether a token pair is held.
func (s *Store) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access != ""
}

// Restore loads a persisted session, if any. The token may already be
// stale; the first Token call will refresh it.
func (s *Store) Restore() error {
	if s.persist == nil {
		return nil
	}
	creds, err := s.persist.LoadCredentials()
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	if creds == nil {
		return nil
	}

	s.adopt(creds.AccessToken, creds.RefreshToken, creds.Username)
	s.logger.Info("session restored", slog.String("username", s.Identity()))
	return nil
}

// Login exchanges credentials for a token pair. A 4xx response yields
// an AuthError carrying the backend's detail message.
func (s *Store) Login(ctx context.Context, username, password string) error {
	resp, err := s.post(ctx, "/api/login/", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Detail == "" {
			body.Detail = "invalid credentials"
		}
		return &AuthError{Reason: body.Detail}
	}

	var pair struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return fmt.Errorf("decoding token pair: %w", err)
	}

	s.adopt(pair.Access, pair.Refresh, username)
	s.logger.Info("logged in", slog.String("username", s.Identity()))
	return nil
}

// Signup registers a new account. The public key is supplied by the
// caller; this client never generates or uses one. Field errors from
// the backend are returned as a ValidationError.
func (s *Store) Signup(ctx context.Context, username, password, publicKey string) error {
	resp, err := s.post(ctx, "/api/signup/", map[string]string{
		"username":   username,
		"password":   password,
		"public_key": publicKey,
	})
	if err != nil {
		return fmt.Errorf("signup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var fields map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil || len(fields) == 0 {
		return fmt.Errorf("signup failed: status %d", resp.StatusCode)
	}
	return &ValidationError{Fields: fields}
}

// GoogleLogin exchanges a Google credential for a token pair.
func (s *Store) GoogleLogin(ctx context.Context, credential string) error {
	resp, err := s.post(ctx, "/api/google-auth/", map[string]string{
		"credential": credential,
	})
	if err != nil {
		return fmt.Errorf("google auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = "google auth failed"
		}
		return &AuthError{Reason: body.Error}
	}

	var pair struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
		Email   string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return fmt.Errorf("decoding token pair: %w", err)
	}

	s.adopt(pair.Access, pair.Refresh, pair.Email)
	s.logger.Info("logged in via google", slog.String("username", s.Identity()))
	return nil
}

// Logout drops the session and notifies subscribers so dependents tear
// down. Safe to call when already logged out.
func (s *Store) Logout() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	wasLoggedIn := s.access != ""
	s.access = ""
	s.refresh = ""
	s.username = ""
	s.expiry = time.Time{}
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.ClearCredentials(); err != nil {
			s.logger.Warn("clearing persisted credentials", slog.String("error", err.Error()))
		}
	}
	if wasLoggedIn {
		s.logger.Info("logged out")
		s.notify(State{LoggedIn: false})
	}
}

// Token returns a non-expired access token, refreshing first when the
// current one expires within the refresh margin. Concurrent callers
// needing a refresh share a single network call.
func (s *Store) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.access == "" {
		s.mu.Unlock()
		return "", ErrLoggedOut
	}
	if time.Until(s.expiry) > refreshMargin {
		token := s.access
		s.mu.Unlock()
		return token, nil
	}
	call := s.beginRefreshLocked()
	s.mu.Unlock()

	return s.awaitRefresh(ctx, call)
}

// ForceRefresh refreshes regardless of the current token's remaining
// lifetime. Used after the backend rejects a token the client still
// considered valid.
func (s *Store) ForceRefresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.access == "" {
		s.mu.Unlock()
		return "", ErrLoggedOut
	}
	call := s.beginRefreshLocked()
	s.mu.Unlock()

	return s.awaitRefresh(ctx, call)
}

// beginRefreshLocked joins the in-flight refresh or starts a new one.
// Caller holds s.mu.
func (s *Store) beginRefreshLocked() *refreshCall {
	if s.inflight != nil {
		return s.inflight
	}
	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	go s.runRefresh(call, s.refresh)
	return call
}

func (s *Store) awaitRefresh(ctx context.Context, call *refreshCall) (string, error) {
	select {
	case <-call.done:
		return call.token, call.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// runRefresh performs the one network refresh shared by all waiters.
// Any failure is fatal for the session and forces a logout.
func (s *Store) runRefresh(call *refreshCall, refreshToken string) {
	defer close(call.done)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	access, err := s.exchangeRefresh(ctx, refreshToken)

	// Commit before clearing inflight so a caller arriving between the
	// two steps observes the new token rather than racing a second
	// refresh against the consumed refresh token.
	if err != nil {
		s.logger.Warn("token refresh failed, forcing logout", slog.String("error", err.Error()))
		s.Logout()
		call.err = &AuthError{Reason: "session expired"}
	} else {
		s.adopt(access, refreshToken, "")
		s.logger.Debug("access token refreshed")
		call.token = access
	}

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
}

func (s *Store) exchangeRefresh(ctx context.Context, refreshToken string) (string, error) {
	resp, err := s.post(ctx, "/api/token/refresh/", map[string]string{
		"refresh": refreshToken,
	})
	if err != nil {
		return "", fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("refresh rejected: status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Access string `json:"access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding refresh response: %w", err)
	}
	return out.Access, nil
}

// adopt commits a new token pair, recomputes identity and expiry from
// the access token, rearms the refresh timer and persists. fallback is
// used as the username when the token has no usable claim; empty keeps
// the current username.
func (s *Store) adopt(access, refresh, fallback string) {
	username, expiry := decodeToken(access)

	s.mu.Lock()
	if username == "" {
		username = fallback
	}
	if username == "" {
		username = s.username
	}
	s.access = access
	if refresh != "" {
		s.refresh = refresh
	}
	s.username = username
	s.expiry = expiry
	refreshToken := s.refresh
	s.rearmTimerLocked()
	s.mu.Unlock()

	if s.persist != nil {
		err := s.persist.SaveCredentials(models.Credentials{
			AccessToken:  access,
			RefreshToken: refreshToken,
			Username:     username,
		})
		if err != nil {
			s.logger.Warn("persisting credentials", slog.String("error", err.Error()))
		}
	}
	s.notify(State{LoggedIn: true, Username: username})
}

// rearmTimerLocked schedules the background refresh at expiry minus the
// margin, clamped at zero. Caller holds s.mu.
func (s *Store) rearmTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.expiry.IsZero() {
		s.timer = nil
		return
	}
	delay := time.Until(s.expiry) - refreshMargin
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.refreshTick)
}

// refreshTick runs when the timer fires. Token handles the refresh and
// its failure path (forced logout), so the result is only logged here.
func (s *Store) refreshTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.Token(ctx); err != nil && !errors.Is(err, ErrLoggedOut) {
		s.logger.Warn("scheduled refresh failed", slog.String("error", err.Error()))
	}
}

func (s *Store) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}

// decodeToken extracts the username and expiry from an access token
// without verifying the signature; verification is the server's job.
func decodeToken(token string) (string, time.Time) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return "", time.Time{}
	}

	username := c.Username
	if username == "" {
		username = c.Subject
	}

	var expiry time.Time
	if c.ExpiresAt != nil {
		expiry = c.ExpiresAt.Time
	}
	return username, expiry
}
