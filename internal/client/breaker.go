package client

import (
	"github.com/example/storefront/internal/config"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// newBreaker trips after FailureThreshold consecutive network or 5xx failures and
// lets a trial request through after Timeout.
func newBreaker(cfg config.BreakerConfig, c *Client) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "storefront-api",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}
