package client

import (
	"context"
	"sync"

	"github.com/example/storefront/internal/apperror"
	"github.com/example/storefront/internal/metrics"
	"github.com/example/storefront/internal/session"
	"go.uber.org/zap"
)

type refreshResult struct {
	token session.Token
	err   error
	// next is the turn of the caller queued behind the receiver.
	next chan struct{}
}

type waiter struct {
	result chan refreshResult
	turn   chan struct{}
}

// refresher serializes token refreshes: the first caller performs the refresh,
// callers arriving while it is in flight are queued and resume in arrival order
// with the same outcome. Each caller gets a yield func back and must call it once
// its follow-up request is on the wire; the next queued caller resumes only then.
type refresher struct {
	tokens    *session.TokenStore
	do        func(ctx context.Context) (session.Token, error)
	onFailure func(ctx context.Context, err error)
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu       sync.Mutex
	inFlight bool
	queue    []*waiter
}

func newRefresher(
	tokens *session.TokenStore,
	do func(ctx context.Context) (session.Token, error),
	onFailure func(ctx context.Context, err error),
	m *metrics.Metrics,
	log *zap.Logger,
) *refresher {
	return &refresher{tokens: tokens, do: do, onFailure: onFailure, metrics: m, logger: log}
}

// handoff returns an idempotent func that opens turn.
func handoff(turn chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if turn != nil {
				close(turn)
			}
		})
	}
}

// Refresh returns a fresh token. stale is the access token the caller found unusable;
// if the store already holds a different token, it is returned without a new refresh.
// The returned yield is never nil and is safe to call more than once.
func (r *refresher) Refresh(ctx context.Context, stale string) (session.Token, func(), error) {
	r.mu.Lock()
	if r.inFlight {
		w := &waiter{result: make(chan refreshResult, 1), turn: make(chan struct{})}
		r.queue = append(r.queue, w)
		queued := len(r.queue)
		r.mu.Unlock()

		r.logger.Debug("Token refresh in flight, request queued", zap.Int("position", queued))
		return r.wait(ctx, w)
	}

	if current, ok := r.tokens.Current(); ok && stale != "" && current.AccessToken != stale {
		r.mu.Unlock()
		return current, handoff(nil), nil
	}
	r.inFlight = true
	r.mu.Unlock()

	// The refresh outlives the caller that happened to start it.
	token, err := r.do(context.WithoutCancel(ctx))
	switch {
	case err == nil:
		r.metrics.ObserveRefresh("success")
	case apperror.IsNetwork(err):
		r.metrics.ObserveRefresh("network_error")
		r.logger.Warn("Token refresh failed with network error, keeping session", zap.Error(err))
	default:
		r.metrics.ObserveRefresh("failure")
		r.logger.Warn("Token refresh failed", zap.Error(err))
		if r.onFailure != nil {
			r.onFailure(ctx, err)
		}
	}

	r.mu.Lock()
	queue := r.queue
	r.queue = nil
	r.inFlight = false
	r.mu.Unlock()

	var first chan struct{}
	if len(queue) > 0 {
		first = queue[0].turn
	}
	for i, w := range queue {
		res := refreshResult{token: token, err: err}
		if i+1 < len(queue) {
			res.next = queue[i+1].turn
		}
		w.result <- res
	}
	return token, handoff(first), err
}

// wait blocks until the refresh completes and every caller queued ahead has yielded.
// A caller that gives up still passes its turn on once it comes.
func (r *refresher) wait(ctx context.Context, w *waiter) (session.Token, func(), error) {
	cancelled := func() (session.Token, func(), error) {
		return session.Token{}, handoff(nil), apperror.Network(ctx.Err(), PathRefresh)
	}

	var res refreshResult
	select {
	case res = <-w.result:
	case <-ctx.Done():
		go func() {
			res := <-w.result
			<-w.turn
			handoff(res.next)()
		}()
		return cancelled()
	}

	yield := handoff(res.next)
	select {
	case <-w.turn:
	case <-ctx.Done():
		go func() {
			<-w.turn
			yield()
		}()
		return cancelled()
	}
	return res.token, yield, res.err
}

// pending reports the number of queued callers.
func (r *refresher) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// afterRefreshFailure logs the user out unless a logout is already underway.
// Network failures never reach here.
func (c *Client) afterRefreshFailure(ctx context.Context, err error) {
	if apperror.IsLogoutCancellation(err) || c.coord.IsLogoutInProgress() {
		return
	}
	c.forceLogout(ctx)
}
