package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/storefront/internal/apperror"
	"github.com/example/storefront/internal/config"
	"github.com/example/storefront/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	c, err := New(config.APIConfig{
		BaseURL:    baseURL,
		Timeout:    5 * time.Second,
		UserAgent:  "storefront-test/1.0",
		RetryDelay: time.Millisecond,
	}, config.AuthConfig{RefreshBuffer: 120 * time.Second}, opts...)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	t.Run("requires base url", func(t *testing.T) {
		_, err := New(config.APIConfig{}, config.AuthConfig{})
		assert.Error(t, err)
	})

	t.Run("mobile detection from user agent", func(t *testing.T) {
		c, err := New(config.APIConfig{BaseURL: "http://x", UserAgent: "Mozilla/5.0 (iPhone)"}, config.AuthConfig{})
		require.NoError(t, err)
		assert.True(t, c.IsMobile())
	})
}

func TestDoDecodesEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orders", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "storefront-test/1.0", r.Header.Get("User-Agent"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"data":       []map[string]any{{"id": "o1"}},
			"pagination": map[string]any{"page": 2, "limit": 10, "total": 11, "totalPages": 2},
		})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Tokens().Set(session.Token{AccessToken: "tok-1", ExpiresAt: testNow.Add(time.Hour)})

	env, err := c.Get(context.Background(), "/api/orders", url.Values{"page": {"2"}})
	require.NoError(t, err)
	assert.True(t, env.Success)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 11, env.Pagination.Total)

	var orders []map[string]any
	require.NoError(t, DecodeData(env, &orders))
	assert.Equal(t, "o1", orders[0]["id"])
}

func TestDoPropagatesTraceContext(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	var got atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("traceparent"))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": []any{}})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	_, err := c.Get(ctx, "/api/categories", nil)
	require.NoError(t, err)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", got.Load())

	_, err = c.Get(context.Background(), "/api/categories", nil)
	require.NoError(t, err)
	assert.Empty(t, got.Load())
}

func TestErrorResponses(t *testing.T) {
	t.Run("404 with server message and errors", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"success": false,
				"message": "Order not found",
				"code":    "ORDER_NOT_FOUND",
				"errors":  []any{"missing", map[string]any{"msg": "bad id"}},
			})
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Get(context.Background(), "/api/orders/x", nil)
		var appErr *apperror.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperror.KindNotFound, appErr.Kind)
		assert.Equal(t, 404, appErr.Status)
		assert.Equal(t, "Order not found", appErr.Message)
		assert.Equal(t, []string{"missing", "bad id"}, appErr.Errors)
		assert.Equal(t, "ORDER_NOT_FOUND", appErr.Details["serverCode"])
	})

	t.Run("success false on 200", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Insufficient balance"})
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Post(context.Background(), "/api/orders/o1/payment", map[string]string{"pin": "123456"})
		var appErr *apperror.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "Insufficient balance", appErr.Message)
		assert.Equal(t, 200, appErr.Status)
	})

	t.Run("500 message is templated", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "nil pointer"})
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Get(context.Background(), "/api/cart", nil)
		assert.True(t, apperror.IsKind(err, apperror.KindServer))
		assert.NotContains(t, err.Error(), "nil pointer")
	})
}

func TestNetworkErrorNeverRefreshesOrLogsOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	c := newTestClient(t, addr)
	c.Tokens().Set(session.Token{AccessToken: "tok", ExpiresAt: testNow.Add(time.Hour), User: session.User{ID: "u1"}})

	_, err := c.Get(context.Background(), "/api/orders", nil)
	require.Error(t, err)
	assert.True(t, apperror.IsNetwork(err))

	tok, ok := c.Tokens().Current()
	assert.True(t, ok)
	assert.Equal(t, "tok", tok.AccessToken)
	assert.False(t, c.Coordinator().IsLogoutInProgress())
}

func TestPreemptiveRefreshIsSingleFlight(t *testing.T) {
	var refreshCalls int32
	var mu sync.Mutex
	seenTokens := map[string]int{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathRefresh:
			atomic.AddInt32(&refreshCalls, 1)
			time.Sleep(50 * time.Millisecond)
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
				"accessToken": "new-token",
				"expiresAt":   testNow.Add(time.Hour).Format(time.RFC3339),
			}})
		default:
			mu.Lock()
			seenTokens[r.Header.Get("Authorization")]++
			mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{}})
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Tokens().Set(session.Token{AccessToken: "old-token", ExpiresAt: testNow.Add(60 * time.Second), User: session.User{ID: "u1"}})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "/api/cart", nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
	assert.Equal(t, map[string]int{"Bearer new-token": 3}, seenTokens)
	assert.Equal(t, "u1", c.Tokens().User().ID, "refresh without user keeps identity")
}

func TestUnauthorizedWithRefreshSignalReplays(t *testing.T) {
	var refreshCalls, orderCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathRefresh:
			atomic.AddInt32(&refreshCalls, 1)
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"accessToken": "fresh"}})
		case "/api/orders":
			atomic.AddInt32(&orderCalls, 1)
			if r.Header.Get("Authorization") != "Bearer fresh" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "jwt expired", "needsRefresh": true})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": []any{}})
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Tokens().Set(session.Token{AccessToken: "expired", ExpiresAt: testNow.Add(time.Hour)})

	env, err := c.Get(context.Background(), "/api/orders", nil)
	require.NoError(t, err)
	assert.True(t, env.Success)
	assert.Equal(t, int32(1), refreshCalls)
	assert.Equal(t, int32(2), orderCalls)
	assert.Equal(t, "fresh", c.Tokens().AccessToken())
}

func TestTokenExpiredCodeCountsAsRefreshSignal(t *testing.T) {
	var refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathRefresh:
			atomic.AddInt32(&refreshCalls, 1)
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"token": "fresh"}})
		default:
			if r.Header.Get("Authorization") != "Bearer fresh" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "code": "TOKEN_EXPIRED"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{}})
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Tokens().Set(session.Token{AccessToken: "stale", ExpiresAt: testNow.Add(time.Hour)})

	_, err := c.Get(context.Background(), "/api/cart", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshCalls)
}

func TestUnauthorizedWithoutSignalLogsOut(t *testing.T) {
	var logoutCalls, refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathLogout:
			atomic.AddInt32(&logoutCalls, 1)
			assert.Equal(t, http.MethodDelete, r.Method)
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		case PathRefresh:
			atomic.AddInt32(&refreshCalls, 1)
		default:
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Account disabled"})
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	var handlerCalls int32
	c.OnLogout(func() { atomic.AddInt32(&handlerCalls, 1) })
	c.Tokens().Set(session.Token{AccessToken: "tok", ExpiresAt: testNow.Add(time.Hour)})

	_, err := c.Get(context.Background(), "/api/orders", nil)
	assert.True(t, apperror.IsKind(err, apperror.KindAuth))
	assert.Equal(t, int32(0), refreshCalls)
	assert.Equal(t, int32(1), logoutCalls)
	assert.Equal(t, int32(1), handlerCalls)
	_, ok := c.Tokens().Current()
	assert.False(t, ok)
	assert.False(t, c.Coordinator().IsLogoutInProgress())
}

// failingTransport fails requests to one path with a transport error.
type failingTransport struct {
	path  string
	calls int32
}

func (f *failingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.URL.Path == f.path {
		atomic.AddInt32(&f.calls, 1)
		return nil, errors.New("connection reset by peer")
	}
	return http.DefaultTransport.RoundTrip(r)
}

func TestRefreshNetworkErrorPreservesSession(t *testing.T) {
	var logoutCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathLogout {
			atomic.AddInt32(&logoutCalls, 1)
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{}})
	}))
	defer server.Close()

	transport := &failingTransport{path: PathRefresh}
	c := newTestClient(t, server.URL, WithHTTPClient(&http.Client{Transport: transport}))
	original := session.Token{AccessToken: "keep-me", ExpiresAt: testNow.Add(30 * time.Second), User: session.User{ID: "u7", Role: "buyer"}}
	c.Tokens().Set(original)

	_, err := c.RefreshSession(context.Background())
	require.Error(t, err)
	assert.True(t, apperror.IsNetwork(err))

	tok, ok := c.Tokens().Current()
	require.True(t, ok)
	assert.Equal(t, original, tok)
	assert.Equal(t, int32(0), logoutCalls)

	// A request with the near-expiry token still goes out with the old token.
	_, err = c.Get(context.Background(), "/api/cart", nil)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&transport.calls))
}

func TestRefreshRejectedTriggersLogout(t *testing.T) {
	var logoutCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathRefresh:
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Refresh token revoked"})
		case PathLogout:
			atomic.AddInt32(&logoutCalls, 1)
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Tokens().Set(session.Token{AccessToken: "tok", ExpiresAt: testNow.Add(10 * time.Second)})

	_, err := c.Get(context.Background(), "/api/orders", nil)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.CodeSessionExpired, appErr.Code)
	assert.Equal(t, int32(1), logoutCalls)
	assert.Empty(t, c.Tokens().AccessToken())
}

func TestLogoutInProgressCancelsRequests(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	require.True(t, c.Coordinator().BeginLogout())

	_, err := c.Get(context.Background(), "/api/orders", nil)
	assert.True(t, apperror.IsLogoutCancellation(err))
	assert.Equal(t, int32(0), hits)

	// Explicit logout while one is underway is a no-op.
	assert.NoError(t, c.Logout(context.Background()))
	assert.Equal(t, int32(0), hits)
}

func TestResultDiscardedWhenLogoutStartsMidFlight(t *testing.T) {
	var c *Client
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Coordinator().BeginLogout()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{}})
	}))
	defer server.Close()

	c = newTestClient(t, server.URL)
	_, err := c.Get(context.Background(), "/api/cart", nil)
	assert.True(t, apperror.IsLogoutCancellation(err))
}

func TestRetryOnServiceUnavailable(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{}})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, WithRetryConfig(RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond, Multiplier: 2}))

	_, err := c.Get(context.Background(), "/api/products", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)

	atomic.StoreInt32(&calls, 0)
	_, err = c.Post(context.Background(), "/api/orders", map[string]any{})
	assert.Error(t, err, "POST is not retried")
	assert.Equal(t, int32(1), calls)
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL,
		WithRetryConfig(RetryConfig{}),
		WithCircuitBreaker(config.BreakerConfig{Enabled: true, FailureThreshold: 2, Timeout: time.Minute}))

	for i := 0; i < 2; i++ {
		_, err := c.Get(context.Background(), "/api/products", nil)
		assert.True(t, apperror.IsKind(err, apperror.KindServer))
	}
	_, err := c.Get(context.Background(), "/api/products", nil)
	assert.True(t, apperror.IsNetwork(err))
	assert.Equal(t, int32(2), calls)
}

func TestRefresherQueuesAndSharesFailure(t *testing.T) {
	release := make(chan struct{})
	var doCalls, failureCalls int32
	boom := apperror.FromStatus(http.StatusUnauthorized, "", PathRefresh)

	r := newRefresher(session.NewTokenStore(),
		func(ctx context.Context) (session.Token, error) {
			atomic.AddInt32(&doCalls, 1)
			<-release
			return session.Token{}, boom
		},
		func(ctx context.Context, err error) { atomic.AddInt32(&failureCalls, 1) },
		nil, zap.NewNop())

	results := make(chan error, 3)
	refresh := func() {
		_, yield, err := r.Refresh(context.Background(), "")
		yield()
		results <- err
	}
	go refresh()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&doCalls) == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 2; i++ {
		go refresh()
	}
	require.Eventually(t, func() bool { return r.pending() == 2 }, time.Second, time.Millisecond)

	close(release)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-results, boom)
	}
	assert.Equal(t, int32(1), doCalls)
	assert.Equal(t, int32(1), failureCalls)
	assert.Equal(t, 0, r.pending())
}

func TestRefresherResumesQueuedCallersInArrivalOrder(t *testing.T) {
	const callers = 8
	for round := range 20 {
		release := make(chan struct{})
		r := newRefresher(session.NewTokenStore(),
			func(ctx context.Context) (session.Token, error) {
				<-release
				return session.Token{AccessToken: "fresh"}, nil
			}, nil, nil, zap.NewNop())

		var (
			mu    sync.Mutex
			order []int
			wg    sync.WaitGroup
		)
		resume := func(id int) {
			defer wg.Done()
			token, yield, err := r.Refresh(context.Background(), "")
			defer yield()
			assert.NoError(t, err)
			assert.Equal(t, "fresh", token.AccessToken)
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}

		wg.Add(1)
		go resume(-1)
		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.inFlight
		}, time.Second, time.Millisecond)

		for i := range callers {
			wg.Add(1)
			go resume(i)
			require.Eventually(t, func() bool { return r.pending() == i+1 }, time.Second, time.Millisecond)
		}
		close(release)
		wg.Wait()

		assert.Equal(t, []int{-1, 0, 1, 2, 3, 4, 5, 6, 7}, order, "round %d", round)
	}
}

func TestRefresherCancelledWaiterPassesTurn(t *testing.T) {
	release := make(chan struct{})
	r := newRefresher(session.NewTokenStore(),
		func(ctx context.Context) (session.Token, error) {
			<-release
			return session.Token{AccessToken: "fresh"}, nil
		}, nil, nil, zap.NewNop())

	leader := make(chan func(), 1)
	go func() {
		_, yield, _ := r.Refresh(context.Background(), "")
		leader <- yield
	}()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.inFlight
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	gaveUp := make(chan error, 1)
	go func() {
		_, yield, err := r.Refresh(ctx, "")
		yield()
		gaveUp <- err
	}()
	require.Eventually(t, func() bool { return r.pending() == 1 }, time.Second, time.Millisecond)

	last := make(chan string, 1)
	go func() {
		token, yield, _ := r.Refresh(context.Background(), "")
		yield()
		last <- token.AccessToken
	}()
	require.Eventually(t, func() bool { return r.pending() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.True(t, apperror.IsNetwork(<-gaveUp))

	close(release)
	(<-leader)()
	select {
	case got := <-last:
		assert.Equal(t, "fresh", got)
	case <-time.After(time.Second):
		t.Fatal("caller queued behind a cancelled caller never resumed")
	}
}

func TestMobileRefreshTokenRoundTrip(t *testing.T) {
	var refreshBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathLogin:
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
				"accessToken":  "a1",
				"refreshToken": "r1",
				"user":         map[string]any{"_id": "u1", "role": "buyer", "name": "Ann"},
			}})
		case PathRefresh:
			_ = json.NewDecoder(r.Body).Decode(&refreshBody)
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"accessToken": "a2", "refreshToken": "r2"}})
		}
	}))
	defer server.Close()

	store := session.NewMemoryRefreshStore()
	c, err := New(config.APIConfig{BaseURL: server.URL, UserAgent: "StorefrontApp (Android 14)"}, config.AuthConfig{},
		WithRefreshStore(store))
	require.NoError(t, err)

	user, err := c.Login(context.Background(), "ann@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	rt, _ := store.Load()
	assert.Equal(t, "r1", rt)

	tok, err := c.RefreshSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessToken)
	assert.Equal(t, "u1", tok.User.ID)
	assert.Equal(t, "r1", refreshBody["refreshToken"])
	rt, _ = store.Load()
	assert.Equal(t, "r2", rt)
}

func TestWebRefreshUsesCookie(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathLogin:
			http.SetCookie(w, &http.Cookie{Name: "refreshToken", Value: "cookie-rt", Path: "/", HttpOnly: true})
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"accessToken": "a1", "refreshToken": "ignored"}})
		case PathRefresh:
			cookie, err := r.Cookie("refreshToken")
			if err != nil || cookie.Value != "cookie-rt" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"accessToken": "a2"}})
		}
	}))
	defer server.Close()

	store := session.NewMemoryRefreshStore()
	c := newTestClient(t, server.URL, WithRefreshStore(store))

	_, err := c.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	rt, _ := store.Load()
	assert.Empty(t, rt, "web agents never persist the refresh token")

	tok, err := c.RefreshSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessToken)
}

func TestLoginValidationAndFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Invalid credentials"})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	_, err := c.Login(context.Background(), "", "")
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))

	_, err = c.Login(context.Background(), "a@b.c", "wrong")
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "Invalid credentials", appErr.Message)
	assert.False(t, c.Coordinator().IsLogoutInProgress())
}

func TestVerifyUpdatesUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
			"user": map[string]any{"id": "u1", "role": "seller", "email": "s@x.io"},
		}})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Tokens().Set(session.Token{AccessToken: "t", ExpiresAt: testNow.Add(time.Hour), User: session.User{ID: "u1", Role: "buyer"}})

	user, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "seller", user.Role)
	assert.Equal(t, "seller", c.Tokens().User().Role)
}
