package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/go-uplink/internal/session"
	"github.com/a-essam23/go-uplink/pkg/storage"
	"github.com/a-essam23/go-uplink/pkg/transport"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// authServer serves a protected resource that accepts only the current token,
// and a refresh endpoint that rotates it.
type authServer struct {
	mu           sync.Mutex
	currentToken string
	refreshToken string
	refreshCalls atomic.Int64
	refreshFail  bool

	// when set, unauthorized requests block here so a test can release a
	// whole batch of 401s at once.
	gate     chan struct{}
	arrivals atomic.Int64

	// artificial refresh latency, so concurrent callers reliably park
	// behind the in-flight refresh instead of racing past it.
	refreshDelay time.Duration
}

func (s *authServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		s.refreshCalls.Add(1)
		time.Sleep(s.refreshDelay)
		if s.refreshFail {
			http.Error(w, "revoked", http.StatusUnauthorized)
			return
		}
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		if body.RefreshToken != s.refreshToken {
			s.mu.Unlock()
			http.Error(w, "bad refresh token", http.StatusUnauthorized)
			return
		}
		s.currentToken = fmt.Sprintf("access-%d", s.refreshCalls.Load())
		s.refreshToken = fmt.Sprintf("refresh-%d", s.refreshCalls.Load())
		resp := map[string]string{
			"access_token":  s.currentToken,
			"refresh_token": s.refreshToken,
		}
		s.mu.Unlock()
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	})
	mux.HandleFunc("/api/items", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := "Bearer " + s.currentToken
		s.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			if s.gate != nil {
				s.arrivals.Add(1)
				<-s.gate
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"items":[]}`))
	})
	return mux
}

func newManager(t *testing.T, baseURL string, store storage.Store) *session.Manager {
	t.Helper()
	client, err := transport.NewClient(newTestLogger(), baseURL, 5*time.Second)
	require.NoError(t, err)
	m, err := session.NewManager(newTestLogger(), store, client, "/auth/refresh")
	require.NoError(t, err)
	return m
}

func TestSingleFlightRefresh(t *testing.T) {
	backend := &authServer{
		currentToken: "fresh",
		refreshToken: "r0",
		gate:         make(chan struct{}),
		refreshDelay: 150 * time.Millisecond,
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	store := storage.NewMemoryStore()
	m := newManager(t, srv.URL, store)
	// the client still holds a stale access token
	require.NoError(t, m.SetTokens("stale", "r0"))

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Do(context.Background(), &transport.Request{
				Method: "GET",
				URL:    "/api/items",
			})
		}(i)
	}
	// hold every first attempt at the 401 gate, then release them together
	// so all N failures land inside one expiry window.
	require.Eventually(t, func() bool { return backend.arrivals.Load() == n },
		5*time.Second, 5*time.Millisecond)
	close(backend.gate)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d should succeed after refresh", i)
	}
	assert.EqualValues(t, 1, backend.refreshCalls.Load(),
		"concurrent 401s must collapse into one refresh call")
	assert.Equal(t, backend.currentToken, m.AccessToken())
}

func TestRefreshFailureExpiresSession(t *testing.T) {
	backend := &authServer{currentToken: "fresh", refreshToken: "r0", refreshFail: true}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	store := storage.NewMemoryStore()
	m := newManager(t, srv.URL, store)
	require.NoError(t, m.SetTokens("stale", "r0"))

	expired := make(chan struct{}, 1)
	m.OnSessionExpired(func() { expired <- struct{}{} })

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Do(context.Background(), &transport.Request{Method: "GET", URL: "/api/items"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.ErrorIs(t, err, session.ErrSessionExpired, "request %d", i)
	}
	assert.False(t, m.Authenticated(), "session must be cleared")
	select {
	case <-expired:
	default:
		t.Error("OnSessionExpired listener was not notified")
	}
}

func TestNoRefreshTokenFailsImmediately(t *testing.T) {
	backend := &authServer{currentToken: "fresh", refreshToken: "r0"}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	m := newManager(t, srv.URL, storage.NewMemoryStore())
	require.NoError(t, m.SetTokens("stale", ""))

	_, err := m.Do(context.Background(), &transport.Request{Method: "GET", URL: "/api/items"})
	assert.ErrorIs(t, err, session.ErrSessionExpired)
	assert.EqualValues(t, 0, backend.refreshCalls.Load(), "no refresh call without a refresh token")
}

func TestAuthPath401IsNotRefreshed(t *testing.T) {
	backend := &authServer{currentToken: "fresh", refreshToken: "r0"}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	m := newManager(t, srv.URL, storage.NewMemoryStore())
	require.NoError(t, m.SetTokens("stale", "bogus"))

	_, err := m.Do(context.Background(), &transport.Request{
		Method: "POST",
		URL:    "/auth/login",
		Body:   json.RawMessage(`{}`),
	})
	// the 401 must surface as-is: no refresh attempt for auth endpoints
	assert.True(t, transport.IsUnauthorized(err))
	assert.EqualValues(t, 0, backend.refreshCalls.Load())
}

func TestClearSessionIdempotent(t *testing.T) {
	m := newManager(t, "http://localhost:0", storage.NewMemoryStore())
	require.NoError(t, m.SetTokens("a", "r"))
	require.NoError(t, m.ClearSession())
	require.NoError(t, m.ClearSession())
	assert.Empty(t, m.AccessToken())
}

func TestSessionPersistsAcrossManagers(t *testing.T) {
	store := storage.NewMemoryStore()
	m := newManager(t, "http://localhost:0", store)
	require.NoError(t, m.SetTokens("access-1", "refresh-1"))
	require.NoError(t, m.SetUser(json.RawMessage(`{"id":"u1"}`)))

	m2 := newManager(t, "http://localhost:0", store)
	assert.Equal(t, "access-1", m2.AccessToken())
	profile, ok := m2.User()
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"u1"}`, string(profile))
}

func TestExpiredDetectsJWTExpiry(t *testing.T) {
	m := newManager(t, "http://localhost:0", storage.NewMemoryStore())

	expiredTok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, m.SetTokens(expiredTok, "r"))
	assert.True(t, m.Expired(0))

	liveTok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, m.SetTokens(liveTok, "r"))
	assert.False(t, m.Expired(0))

	// opaque tokens are never reported expired
	require.NoError(t, m.SetTokens("opaque-token", "r"))
	assert.False(t, m.Expired(0))
}
