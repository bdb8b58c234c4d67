// Package state persists per-connector sync checkpoints. The memory store
// serves tests and one-shot runs; sqlite and postgres survive restarts.
package state

import (
	"context"
	"strings"
	"sync"

	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/models"
)

// Open returns the checkpoint store selected by cfg
func Open(ctx context.Context, cfg config.StateConfig) (core.CheckpointStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, errors.Config("unknown state driver " + cfg.Driver)
	}
}

// MemoryStore keeps checkpoints in process memory
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]models.SyncCheckpoint
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]models.SyncCheckpoint)}
}

// Load returns the checkpoint for connector, or nil when none was saved
func (m *MemoryStore) Load(_ context.Context, connector string) (*models.SyncCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[connector]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// Save stores a copy of cp
func (m *MemoryStore) Save(_ context.Context, cp *models.SyncCheckpoint) error {
	if cp == nil || cp.Connector == "" {
		return errors.New(errors.ErrorTypeInternal, "checkpoint without connector")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.Connector] = *cp
	return nil
}

// Delete forgets connector's checkpoint
func (m *MemoryStore) Delete(_ context.Context, connector string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, connector)
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error { return nil }
