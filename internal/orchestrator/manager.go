package orchestrator

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/connector/registry"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/logger"
)

// Manager owns the orchestrators of every configured connector
type Manager struct {
	orchestrators map[string]*Orchestrator
	names         []string
	logger        *zap.Logger
}

// NewManager creates a manager over orchs. Names must be unique.
func NewManager(orchs ...*Orchestrator) (*Manager, error) {
	m := &Manager{
		orchestrators: make(map[string]*Orchestrator, len(orchs)),
		logger:        logger.With(zap.String("component", "manager")),
	}
	for _, o := range orchs {
		if _, dup := m.orchestrators[o.Name()]; dup {
			return nil, errors.Config("duplicate connector name").WithDetail("connector", o.Name())
		}
		m.orchestrators[o.Name()] = o
		m.names = append(m.names, o.Name())
	}
	sort.Strings(m.names)
	return m, nil
}

// Build creates a source for every configured connector through the
// registry and wraps it in an orchestrator. Any failure closes the sources
// created so far.
func Build(ctx context.Context, cfg *config.ServiceConfig, deps core.Dependencies, submitter core.Submitter, store core.CheckpointStore, opts ...Option) (*Manager, error) {
	orchs := make([]*Orchestrator, 0, len(cfg.Connectors))
	fail := func(err error) (*Manager, error) {
		for _, o := range orchs {
			_ = o.Close(ctx)
		}
		return nil, err
	}

	for i := range cfg.Connectors {
		cc := &cfg.Connectors[i]
		src, err := registry.Create(cc, deps)
		if err != nil {
			return fail(err)
		}
		orchs = append(orchs, New(cc, src, submitter, store, opts...))
	}

	m, err := NewManager(orchs...)
	if err != nil {
		return fail(err)
	}
	return m, nil
}

// Names returns the connector names in sorted order
func (m *Manager) Names() []string {
	return append([]string(nil), m.names...)
}

// Get returns the orchestrator of the named connector
func (m *Manager) Get(name string) (*Orchestrator, bool) {
	o, ok := m.orchestrators[name]
	return o, ok
}

// All returns the orchestrators sorted by name
func (m *Manager) All() []*Orchestrator {
	out := make([]*Orchestrator, 0, len(m.names))
	for _, n := range m.names {
		out = append(out, m.orchestrators[n])
	}
	return out
}

// Resolve picks the orchestrator for a request: the named one, or the only
// one when name is empty.
func (m *Manager) Resolve(name string) (*Orchestrator, error) {
	if name == "" {
		if len(m.names) == 1 {
			return m.orchestrators[m.names[0]], nil
		}
		return nil, errors.New(errors.ErrorTypeNotFound, "connector name required when several are configured")
	}
	o, ok := m.orchestrators[name]
	if !ok {
		return nil, errors.New(errors.ErrorTypeNotFound, "unknown connector").WithDetail("connector", name)
	}
	return o, nil
}

// Sync runs one manual cycle on the named connector
func (m *Manager) Sync(ctx context.Context, name string, lookback time.Duration) (*Result, error) {
	o, err := m.Resolve(name)
	if err != nil {
		return nil, err
	}
	logger.Scoped(m.logger, ctx).Info("manual sync requested",
		zap.String("connector", o.Name()),
		zap.Duration("lookback", lookback))
	return o.SyncOnce(ctx, lookback)
}

// Run starts one loop per connector and blocks until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("starting connectors", zap.Strings("connectors", m.names))
	g, ctx := errgroup.WithContext(ctx)
	for _, o := range m.All() {
		o := o
		g.Go(func() error { return o.Run(ctx) })
	}
	return g.Wait()
}

// Close releases every source
func (m *Manager) Close(ctx context.Context) error {
	var first error
	for _, o := range m.All() {
		if err := o.Close(ctx); err != nil {
			m.logger.Warn("failed to close connector", zap.String("connector", o.Name()), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
