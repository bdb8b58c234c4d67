// Package core defines the contracts between vendor sources, the sync
// orchestrator, the submitter and checkpoint storage.
package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nocturne/connectors/pkg/clients"
	"github.com/nocturne/connectors/pkg/models"
)

// Window is the half-open source time range a cycle fetches, [From, To)
type Window struct {
	From time.Time
	To   time.Time
}

// Duration returns the length of the window
func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}

// Contains reports whether t falls in the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Normalized is the output of Source.Normalize. RecordErrors lists records
// that were skipped or degraded; they never fail the cycle.
type Normalized struct {
	Batch        *models.Batch
	RecordErrors []error
}

// Source is implemented by every vendor connector. A Source is driven by one
// orchestrator at a time and need not be safe for concurrent cycles.
type Source interface {
	// Name is the configured instance name
	Name() string
	// Type is the registered vendor type
	Type() string

	// Authenticate ensures a valid vendor session
	Authenticate(ctx context.Context) error
	// FetchRaw retrieves the vendor payload for window
	FetchRaw(ctx context.Context, window Window) (*models.RawPayload, error)
	// Normalize decodes payload into canonical records
	Normalize(ctx context.Context, payload *models.RawPayload) (*Normalized, error)
	// MaxLookback bounds how far back the vendor can serve data
	MaxLookback() time.Duration

	Close(ctx context.Context) error
}

// Submitter pushes normalized batches to the central store. A nil error
// means the store accepted every record.
type Submitter interface {
	Submit(ctx context.Context, batch *models.Batch) error
}

// CheckpointStore persists sync checkpoints. Load returns nil, nil for a
// connector that has never completed a cycle.
type CheckpointStore interface {
	Load(ctx context.Context, connector string) (*models.SyncCheckpoint, error)
	Save(ctx context.Context, checkpoint *models.SyncCheckpoint) error
	Delete(ctx context.Context, connector string) error
	Close() error
}

// Dependencies are the shared resources handed to source factories
type Dependencies struct {
	HTTP   *clients.HTTPClient
	Logger *zap.Logger
}

// HealthStatus represents the health status of a connector
type HealthStatus struct {
	Status              string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp           time.Time              `json:"timestamp"`
	ConsecutiveFailures int                    `json:"consecutiveFailures"`
	Details             map[string]interface{} `json:"details,omitempty"`
	Error               string                 `json:"error,omitempty"`
}

// Health status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)
