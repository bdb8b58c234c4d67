package clients

import (
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nocturne/connectors/pkg/errors"
)

// ErrCircuitOpen is returned without contacting the vendor while the breaker is open
var ErrCircuitOpen = errors.Transient("circuit breaker open", nil)

// newBreaker builds the breaker guarding one vendor host. It opens after
// FailureThreshold consecutive failures, admits SuccessThreshold trial requests
// after Timeout and closes once they all succeed.
func newBreaker(host string, cfg *HTTPConfig, logger *zap.Logger) *gobreaker.TwoStepCircuitBreaker {
	failures := uint32(max(cfg.FailureThreshold, 1))
	trials := uint32(max(cfg.SuccessThreshold, 1))
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: trials,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log := logger.With(zap.String("host", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if to == gobreaker.StateOpen {
				log.Warn("circuit breaker opened", zap.Duration("retry_after", cfg.Timeout))
				return
			}
			log.Info("circuit breaker state changed")
		},
	})
}
