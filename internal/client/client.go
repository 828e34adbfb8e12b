// Package client is the single entry point for storefront REST calls.
// It injects bearer tokens, decodes the response envelope, retries transient failures
// and coordinates token refresh and logout across concurrent requests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/example/storefront/internal/apperror"
	"github.com/example/storefront/internal/config"
	"github.com/example/storefront/internal/logger"
	"github.com/example/storefront/internal/metrics"
	"github.com/example/storefront/internal/session"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is the storefront API client.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	httpClient    *http.Client
	baseURL       *url.URL
	userAgent     string
	mobile        bool
	headers       map[string]string
	tokens        *session.TokenStore
	coord         *session.Coordinator
	refreshStore  session.RefreshTokenStore
	refresher     *refresher
	refreshBuffer time.Duration
	retryConfig   RetryConfig
	limiter       *rate.Limiter
	breaker       *gobreaker.CircuitBreaker
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time

	mu             sync.RWMutex
	logoutHandlers []func()
}

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTokenStore shares an existing token store.
func WithTokenStore(s *session.TokenStore) Option {
	return func(c *Client) { c.tokens = s }
}

// WithCoordinator shares an existing logout coordinator.
func WithCoordinator(co *session.Coordinator) Option {
	return func(c *Client) { c.coord = co }
}

// WithRefreshStore sets where mobile clients persist the refresh token.
func WithRefreshStore(s session.RefreshTokenStore) Option {
	return func(c *Client) { c.refreshStore = s }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithHTTPClient replaces the underlying http.Client. A cookie jar is added if missing.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryConfig overrides retry behavior.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *Client) { c.retryConfig = rc }
}

// WithRateLimit throttles outbound requests to qps with the given burst.
func WithRateLimit(qps float64, burst int) Option {
	return func(c *Client) {
		if qps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(qps), burst)
	}
}

// WithCircuitBreaker guards the backend with a circuit breaker.
func WithCircuitBreaker(cfg config.BreakerConfig) Option {
	return func(c *Client) {
		if !cfg.Enabled {
			c.breaker = nil
			return
		}
		c.breaker = newBreaker(cfg, c)
	}
}

// New creates a client for the configured backend.
func New(apiCfg config.APIConfig, authCfg config.AuthConfig, opts ...Option) (*Client, error) {
	if apiCfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(apiCfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if apiCfg.Timeout <= 0 {
		apiCfg.Timeout = 30 * time.Second
	}

	retry := DefaultRetryConfig()
	retry.MaxRetries = apiCfg.MaxRetries
	if apiCfg.RetryDelay > 0 {
		retry.RetryDelay = apiCfg.RetryDelay
	}

	c := &Client{
		httpClient:    &http.Client{Timeout: apiCfg.Timeout},
		baseURL:       base,
		userAgent:     apiCfg.UserAgent,
		mobile:        session.IsMobileUserAgent(apiCfg.UserAgent),
		headers:       map[string]string{"Content-Type": "application/json", "Accept": "application/json"},
		refreshBuffer: authCfg.RefreshBuffer,
		retryConfig:   retry,
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	if c.refreshBuffer == 0 {
		c.refreshBuffer = 120 * time.Second
	}
	if apiCfg.QPS > 0 {
		WithRateLimit(apiCfg.QPS, apiCfg.Burst)(c)
	}
	if authCfg.RefreshTokenFile != "" {
		c.refreshStore = session.NewFileRefreshStore(authCfg.RefreshTokenFile)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.tokens == nil {
		c.tokens = session.NewTokenStore()
	}
	if c.coord == nil {
		c.coord = session.NewCoordinator()
	}
	if c.refreshStore == nil {
		c.refreshStore = session.NewMemoryRefreshStore()
	}
	if c.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		c.httpClient.Jar = jar
	}
	c.logger = c.logger.Named("http-client")
	c.refresher = newRefresher(c.tokens, c.refreshSession, c.afterRefreshFailure, c.metrics, c.logger)

	return c, nil
}

// Request represents an API call.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    any

	// SkipAuth sends the request without a bearer token and without refresh handling.
	SkipAuth bool
	// NoRefresh attaches the current token but never refreshes or reacts to 401.
	NoRefresh bool

	duringLogout bool
	replayed     bool
	// onSend runs once, right before the first attempt goes out.
	onSend func()
}

// Do executes req and returns the decoded envelope. Every failure is an *apperror.Error.
func (c *Client) Do(ctx context.Context, req Request) (*Envelope, error) {
	if c.cancelledByLogout(req) {
		return nil, apperror.LogoutCancelled()
	}

	if !req.SkipAuth && !req.NoRefresh {
		yield, err := c.ensureFreshToken(ctx)
		if yield != nil {
			defer yield()
			req.onSend = chain(yield, req.onSend)
		}
		if err != nil {
			return nil, err
		}
	}

	env, sentToken, err := c.send(ctx, req)

	// The logout flag may have flipped while the request was in flight.
	if c.cancelledByLogout(req) {
		return nil, apperror.LogoutCancelled()
	}
	if err == nil {
		return env, nil
	}

	appErr := apperror.Classify(err)
	if appErr.IsNetworkError || appErr.Status != http.StatusUnauthorized {
		return nil, appErr
	}
	if req.SkipAuth || req.NoRefresh || req.replayed || isAuthEndpoint(req.Path) {
		return nil, appErr
	}
	return c.handleUnauthorized(ctx, req, env, sentToken, appErr)
}

// handleUnauthorized refreshes and replays when the server asks for it, otherwise
// treats the session as unrecoverable.
func (c *Client) handleUnauthorized(ctx context.Context, req Request, env *Envelope, sentToken string, authErr *apperror.Error) (*Envelope, error) {
	if env == nil || !env.NeedsRefresh {
		c.logger.Warn("Unauthorized without refresh signal, logging out", zap.String("path", req.Path))
		c.forceLogout(ctx)
		return nil, authErr
	}

	_, yield, err := c.refresher.Refresh(ctx, sentToken)
	defer yield()
	if err != nil {
		return nil, err
	}
	if c.cancelledByLogout(req) {
		return nil, apperror.LogoutCancelled()
	}

	req.replayed = true
	req.onSend = yield
	return c.Do(ctx, req)
}

// ensureFreshToken performs a blocking refresh when the token is about to expire.
// A network failure keeps the existing token; the request proceeds with it.
// The returned yield is nil when no refresh was needed.
func (c *Client) ensureFreshToken(ctx context.Context) (func(), error) {
	if !c.tokens.NearExpiry(c.now(), c.refreshBuffer) {
		return nil, nil
	}
	stale := c.tokens.AccessToken()
	_, yield, err := c.refresher.Refresh(ctx, stale)
	if err == nil || apperror.IsNetwork(err) {
		return yield, nil
	}
	return yield, err
}

func chain(first, then func()) func() {
	if then == nil {
		return first
	}
	return func() {
		first()
		then()
	}
}

func (c *Client) cancelledByLogout(req Request) bool {
	return !req.duringLogout && c.coord.IsLogoutInProgress()
}

// send performs the HTTP exchange with retries. It returns the envelope (also on
// error responses, for signal inspection) and the token that was attached.
func (c *Client) send(ctx context.Context, req Request) (*Envelope, string, error) {
	u := c.buildURL(req.Path, req.Query)

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return nil, "", apperror.Validation("invalid request body").WithDetail("cause", err.Error())
		}
	}

	requestID := uuid.NewString()
	ctx, log := logger.WithRequestID(ctx, logger.WithTraceContext(ctx, c.logger), requestID)
	if user := c.tokens.User(); user.ID != "" && !req.SkipAuth {
		ctx, log = logger.WithUserID(ctx, log, user.ID)
	}

	var (
		env   *Envelope
		token string
		err   error
	)
	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, token, apperror.Network(ctx.Err(), req.Path)
			case <-time.After(c.calculateBackoff(attempt)):
			}
			if c.cancelledByLogout(req) {
				return nil, token, apperror.LogoutCancelled()
			}
		}
		if c.limiter != nil {
			if werr := c.limiter.Wait(ctx); werr != nil {
				return nil, token, apperror.Network(werr, req.Path)
			}
		}

		if attempt == 0 && req.onSend != nil {
			req.onSend()
		}

		var status int
		env, token, status, err = c.exchange(ctx, req, u, bodyBytes, requestID)
		log.Debug("API request",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Int("status", status),
			zap.Int("attempt", attempt))

		if err == nil || !shouldRetry(req.Method, status) {
			break
		}
	}
	return env, token, err
}

// exchange runs one HTTP round trip, optionally through the circuit breaker.
func (c *Client) exchange(ctx context.Context, req Request, u *url.URL, body []byte, requestID string) (*Envelope, string, int, error) {
	var (
		env    *Envelope
		token  string
		status int
	)
	run := func() error {
		var err error
		env, token, status, err = c.roundTrip(ctx, req, u, body, requestID)
		return err
	}

	if c.breaker == nil {
		err := run()
		return env, token, status, err
	}

	var inner error
	_, err := c.breaker.Execute(func() (any, error) {
		inner = run()
		if inner != nil && (apperror.IsNetwork(inner) || status >= 500) {
			return nil, inner
		}
		return nil, nil
	})
	if err != nil && inner == nil {
		open := apperror.Network(err, req.Path)
		open.Message = "Service temporarily unavailable"
		return nil, "", 0, open
	}
	return env, token, status, inner
}

func (c *Client) roundTrip(ctx context.Context, req Request, u *url.URL, body []byte, requestID string) (*Envelope, string, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), reader)
	if err != nil {
		return nil, "", 0, apperror.Validation("invalid request").WithDetail("cause", err.Error())
	}
	c.setHeaders(httpReq, req.Headers)
	httpReq.Header.Set("X-Request-ID", requestID)
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	var token string
	if !req.SkipAuth {
		token = c.tokens.AccessToken()
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.ObserveRequest(req.Method, 0, time.Since(start))
		return nil, token, 0, apperror.Network(err, req.Path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	c.metrics.ObserveRequest(req.Method, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, token, resp.StatusCode, apperror.Network(fmt.Errorf("reading response body: %w", err), req.Path)
	}

	env, err := decodeEnvelope(resp.StatusCode, raw, req.Path)
	return env, token, resp.StatusCode, err
}

func shouldRetry(method string, status int) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
	default:
		return false
	}
	return status == http.StatusTooManyRequests || status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Envelope, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post performs a POST request.
func (c *Client) Post(ctx context.Context, path string, body any) (*Envelope, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put performs a PUT request.
func (c *Client) Put(ctx context.Context, path string, body any) (*Envelope, error) {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

// Patch performs a PATCH request.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Envelope, error) {
	return c.Do(ctx, Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Envelope, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path})
}

// buildURL resolves path against the base URL.
func (c *Client) buildURL(path string, query url.Values) *url.URL {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return &u
}

func (c *Client) setHeaders(req *http.Request, custom map[string]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range custom {
		req.Header.Set(k, v)
	}
}

// calculateBackoff calculates the backoff delay for the given attempt.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryConfig.RetryDelay) * math.Pow(c.retryConfig.Multiplier, float64(attempt-1))
	if c.retryConfig.MaxDelay > 0 && delay > float64(c.retryConfig.MaxDelay) {
		delay = float64(c.retryConfig.MaxDelay)
	}
	// Add jitter (±25%)
	jitter := delay * 0.25
	delay = delay + (rand.Float64()*2-1)*jitter
	return time.Duration(delay)
}

// SetHeader sets a default header for all requests.
func (c *Client) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

// OnLogout registers a handler run after every logout, forced or explicit.
func (c *Client) OnLogout(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutHandlers = append(c.logoutHandlers, fn)
}

// Tokens returns the token store.
func (c *Client) Tokens() *session.TokenStore {
	return c.tokens
}

// Coordinator returns the logout coordinator.
func (c *Client) Coordinator() *session.Coordinator {
	return c.coord
}

// IsMobile reports whether the configured user agent is treated as mobile.
func (c *Client) IsMobile() bool {
	return c.mobile
}

func isAuthEndpoint(path string) bool {
	return strings.HasPrefix(path, "/api/auth/")
}
