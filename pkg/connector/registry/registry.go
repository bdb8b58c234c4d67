// Package registry maps connector types to source factories. Vendor packages
// register themselves from init(); the service imports them for side effects
// through pkg/connector/sources.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/logger"
)

// SourceFactory creates a configured source for one connector instance
type SourceFactory func(cfg *config.ConnectorConfig, deps core.Dependencies) (core.Source, error)

// ConnectorInfo describes a registered connector type
type ConnectorInfo struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Protocol    string   `json:"protocol"`
	Regions     []string `json:"regions,omitempty"`
	MaxLookback string   `json:"maxLookback"`
}

type registration struct {
	factory SourceFactory
	info    ConnectorInfo
}

// Registry manages connector registration and instantiation
type Registry struct {
	sources map[string]registration
	mu      sync.RWMutex
	logger  *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]registration),
		logger:  logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register adds a source factory under info.Type
func (r *Registry) Register(info ConnectorInfo, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Type == "" {
		return errors.Config("connector type must not be empty")
	}
	if _, exists := r.sources[info.Type]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector type %s already registered", info.Type))
	}

	r.sources[info.Type] = registration{factory: factory, info: info}
	r.logger.Debug("connector type registered", zap.String("type", info.Type))
	return nil
}

// Create builds the source for cfg
func (r *Registry) Create(cfg *config.ConnectorConfig, deps core.Dependencies) (core.Source, error) {
	r.mu.RLock()
	reg, exists := r.sources[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown connector type %q", cfg.Type)).
			WithDetail("connector", cfg.Name)
	}

	source, err := reg.factory(cfg, deps)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create connector %s", cfg.Name))
	}
	return source, nil
}

// Has reports whether a connector type is registered
func (r *Registry) Has(connectorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sources[connectorType]
	return exists
}

// List returns the registered connector types, sorted by type
func (r *Registry) List() []ConnectorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ConnectorInfo, 0, len(r.sources))
	for _, reg := range r.sources {
		infos = append(infos, reg.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// Clear removes all registered connectors (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = make(map[string]registration)
}

// Global registry functions

// Register registers a connector type in the global registry
func Register(info ConnectorInfo, factory SourceFactory) error {
	return globalRegistry.Register(info, factory)
}

// MustRegister is Register for init() functions
func MustRegister(info ConnectorInfo, factory SourceFactory) {
	if err := Register(info, factory); err != nil {
		panic(err)
	}
}

// Create builds a source from the global registry
func Create(cfg *config.ConnectorConfig, deps core.Dependencies) (core.Source, error) {
	return globalRegistry.Create(cfg, deps)
}

// Has checks the global registry
func Has(connectorType string) bool {
	return globalRegistry.Has(connectorType)
}

// List returns the globally registered connector types
func List() []ConnectorInfo {
	return globalRegistry.List()
}

// GetRegistry returns the global registry instance
func GetRegistry() *Registry {
	return globalRegistry
}
