// Package session owns the client's authentication state: it attaches bearer
// tokens to outbound requests, detects authorization failures, and recovers
// through a single-flight token refresh so any number of concurrently failing
// requests produce exactly one refresh call.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/a-essam23/go-uplink/pkg/storage"
	"github.com/a-essam23/go-uplink/pkg/transport"
)

// ErrSessionExpired means refresh failed or no refresh token exists. The
// session is cleared and the UI layer must route to re-authentication.
var ErrSessionExpired = errors.New("session expired")

const (
	accessTokenKey  = "session.access_token"
	refreshTokenKey = "session.refresh_token"
	userKey         = "session.user"
)

// refreshResult is what every caller parked behind an in-flight refresh
// receives: the new access token or the shared failure.
type refreshResult struct {
	token string
	err   error
}

type Manager struct {
	mu      sync.Mutex
	access  string
	refresh string

	refreshing bool
	waiters    []chan refreshResult

	store       storage.Store
	client      transport.Doer
	refreshPath string

	lmu       sync.Mutex
	nextID    int
	onExpired map[int]func()

	logger *slog.Logger
}

// NewManager restores any persisted session from the store.
func NewManager(logger *slog.Logger, store storage.Store, client transport.Doer, refreshPath string) (*Manager, error) {
	m := &Manager{
		store:       store,
		client:      client,
		refreshPath: refreshPath,
		onExpired:   make(map[int]func()),
		logger:      logger.With(slog.String("component", "session_manager")),
	}
	if _, err := store.Get(accessTokenKey, &m.access); err != nil {
		return nil, fmt.Errorf("restore access token: %w", err)
	}
	if _, err := store.Get(refreshTokenKey, &m.refresh); err != nil {
		return nil, fmt.Errorf("restore refresh token: %w", err)
	}
	return m, nil
}

// compile-time check to ensure Manager implements Doer.
var _ transport.Doer = (*Manager)(nil)

// SetTokens persists and installs a new token pair. An empty refresh token
// keeps the previous one (the refresh endpoint may not rotate it).
func (m *Manager) SetTokens(access, refresh string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setTokensLocked(access, refresh)
}

func (m *Manager) setTokensLocked(access, refresh string) error {
	if refresh == "" {
		refresh = m.refresh
	}
	if err := m.store.Set(accessTokenKey, access); err != nil {
		return err
	}
	if err := m.store.Set(refreshTokenKey, refresh); err != nil {
		return err
	}
	m.access = access
	m.refresh = refresh
	return nil
}

// SetUser caches the authenticated user profile blob for downstream
// consumers. The session layer never interprets it.
func (m *Manager) SetUser(profile json.RawMessage) error {
	return m.store.Set(userKey, profile)
}

func (m *Manager) User() (json.RawMessage, bool) {
	var profile json.RawMessage
	found, err := m.store.Get(userKey, &profile)
	if err != nil || !found {
		return nil, false
	}
	return profile, true
}

func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access
}

func (m *Manager) Authenticated() bool {
	return m.AccessToken() != ""
}

// ClearSession wipes all persisted token and user state. Idempotent.
func (m *Manager) ClearSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = ""
	m.refresh = ""
	return m.store.MultiRemove(accessTokenKey, refreshTokenKey, userKey)
}

// Expired reports whether the access token's exp claim is within leeway of
// now. The token is decoded without verification; the client holds no signing
// key. Opaque (non-JWT) tokens are never reported expired; the 401 path
// handles them.
func (m *Manager) Expired(leeway time.Duration) bool {
	token := m.AccessToken()
	if token == "" {
		return false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Now().Add(leeway).After(claims.ExpiresAt.Time)
}

// OnSessionExpired registers fn to run when a refresh terminally fails.
func (m *Manager) OnSessionExpired(fn func()) (cancel func()) {
	m.lmu.Lock()
	id := m.nextID
	m.nextID++
	m.onExpired[id] = fn
	m.lmu.Unlock()

	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()
		delete(m.onExpired, id)
	}
}

func (m *Manager) notifyExpired() {
	m.lmu.Lock()
	fns := make([]func(), 0, len(m.onExpired))
	for _, fn := range m.onExpired {
		fns = append(fns, fn)
	}
	m.lmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// AttachToken sets the Authorization header from the stored access token.
// Absence of a token simply omits the header; authorization is enforced
// server-side.
func (m *Manager) AttachToken(req *transport.Request) {
	token := m.AccessToken()
	if token == "" {
		return
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

// isAuthPath guards against refresh loops: a 401 from the auth endpoints
// themselves must never trigger another refresh.
func (m *Manager) isAuthPath(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, "/auth/") || u.Path == m.refreshPath
}

// Do executes an authenticated request. On a 401 it joins (or becomes) the
// single in-flight refresh and replays the original request exactly once with
// the new token.
func (m *Manager) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	// proactive path: a token known to be expired would fail anyway, so
	// refresh before spending the request.
	if m.Expired(10*time.Second) && !m.isAuthPath(req.URL) {
		if _, err := m.awaitRefresh(ctx); err != nil {
			return nil, err
		}
	}

	m.AttachToken(req)
	resp, err := m.client.Do(ctx, req)
	if err == nil || !transport.IsUnauthorized(err) {
		return resp, err
	}
	if m.isAuthPath(req.URL) {
		return resp, err
	}

	token, rerr := m.awaitRefresh(ctx)
	if rerr != nil {
		return nil, rerr
	}

	// replay once; structurally there is no second refresh for this call.
	replay := *req
	replay.Header = req.Header.Clone()
	if replay.Header == nil {
		replay.Header = http.Header{}
	}
	replay.Header.Set("Authorization", "Bearer "+token)
	return m.client.Do(ctx, &replay)
}

// awaitRefresh returns the fresh access token, either by parking behind an
// in-flight refresh or by becoming its owner.
func (m *Manager) awaitRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.refreshing {
		ch := make(chan refreshResult, 1)
		m.waiters = append(m.waiters, ch)
		m.mu.Unlock()
		select {
		case r := <-ch:
			return r.token, r.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.refreshing = true
	refreshToken := m.refresh
	m.mu.Unlock()

	token, err := m.doRefresh(ctx, refreshToken)
	m.settle(token, err)
	return token, err
}

// settle releases every parked waiter with the shared outcome and clears the
// single-flight flag.
func (m *Manager) settle(token string, err error) {
	m.mu.Lock()
	m.refreshing = false
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- refreshResult{token: token, err: err}
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// doRefresh calls the refresh endpoint through the bare transport. Any
// failure is terminal for the session: tokens are cleared and listeners told.
func (m *Manager) doRefresh(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		m.logger.Warn("Refresh requested without a refresh token")
		m.expire()
		return "", ErrSessionExpired
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return "", err
	}
	resp, err := m.client.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    m.refreshPath,
		Body:   body,
	})
	if err != nil {
		m.logger.Warn("Token refresh failed", slog.Any("error", err))
		m.expire()
		return "", ErrSessionExpired
	}

	var out refreshResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.AccessToken == "" {
		m.logger.Error("Refresh endpoint returned an unusable payload", slog.Any("error", err))
		m.expire()
		return "", ErrSessionExpired
	}

	m.mu.Lock()
	err = m.setTokensLocked(out.AccessToken, out.RefreshToken)
	m.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}
	m.logger.Info("Access token refreshed")
	return out.AccessToken, nil
}

func (m *Manager) expire() {
	if err := m.ClearSession(); err != nil {
		m.logger.Error("Failed to clear session", slog.Any("error", err))
	}
	m.notifyExpired()
}
