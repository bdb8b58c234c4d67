package base

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/logger"
)

// HealthChecker turns cycle outcomes into a health status. The connector is
// degraded after any failure and unhealthy after threshold consecutive
// failures; one success restores it.
type HealthChecker struct {
	name             string
	threshold        int
	status           string
	lastChange       time.Time
	lastError        string
	consecutiveFails int
	totalFailures    int64
	totalChecks      int64
	logger           *zap.Logger
	mu               sync.RWMutex
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(name string, threshold int) *HealthChecker {
	if threshold < 1 {
		threshold = 1
	}
	return &HealthChecker{
		name:       name,
		threshold:  threshold,
		status:     core.StatusHealthy,
		lastChange: time.Now(),
		logger:     logger.Get().With(zap.String("component", "health_checker"), zap.String("connector", name)),
	}
}

// Record folds one cycle outcome into the status
func (hc *HealthChecker) Record(err error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.totalChecks++
	previous := hc.status

	if err == nil {
		hc.consecutiveFails = 0
		hc.lastError = ""
		hc.status = core.StatusHealthy
	} else {
		hc.totalFailures++
		hc.consecutiveFails++
		hc.lastError = err.Error()
		if hc.consecutiveFails >= hc.threshold {
			hc.status = core.StatusUnhealthy
		} else {
			hc.status = core.StatusDegraded
		}
	}

	if hc.status != previous {
		hc.lastChange = time.Now()
		hc.logger.Info("connector health changed",
			zap.String("from", previous),
			zap.String("to", hc.status),
			zap.Int("consecutive_failures", hc.consecutiveFails))
	}
}

// IsHealthy returns false once the failure threshold is reached
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status != core.StatusUnhealthy
}

// ConsecutiveFailures returns the current failure streak
func (hc *HealthChecker) ConsecutiveFailures() int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.consecutiveFails
}

// GetStatus returns a snapshot
func (hc *HealthChecker) GetStatus() *core.HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return &core.HealthStatus{
		Status:              hc.status,
		Timestamp:           hc.lastChange,
		ConsecutiveFailures: hc.consecutiveFails,
		Error:               hc.lastError,
		Details: map[string]interface{}{
			"check_count":   hc.totalChecks,
			"failure_count": hc.totalFailures,
			"threshold":     hc.threshold,
		},
	}
}
