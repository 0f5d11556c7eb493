// Package registry maps connector type identifiers to sink and source
// factories. Connectors register themselves from init and are selected at
// configuration time by the type string found in their configuration file.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/logger"
	"github.com/big-armor/datapm-sub007/pkg/sink"
	"github.com/big-armor/datapm-sub007/pkg/source"
)

// Registry manages connector registration and instantiation
type Registry struct {
	sources map[string]SourceFactory
	sinks   map[string]SinkFactory
	mu      sync.RWMutex
	logger  *zap.Logger
}

// SourceFactory creates a source instance
type SourceFactory func() (source.Source, error)

// SinkFactory creates a sink instance
type SinkFactory func() (sink.Sink, error)

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		sinks:   make(map[string]SinkFactory),
		logger:  logger.With(zap.String("component", "connector_registry")),
	}
}

// RegisterSource registers a source factory
func (r *Registry) RegisterSource(name string, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source %s already registered", name))
	}

	r.sources[name] = factory
	r.logger.Debug("source registered", zap.String("name", name))
	return nil
}

// RegisterSink registers a sink factory
func (r *Registry) RegisterSink(name string, factory SinkFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sinks[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("sink %s already registered", name))
	}

	r.sinks[name] = factory
	r.logger.Debug("sink registered", zap.String("name", name))
	return nil
}

// CreateSource creates a source instance
func (r *Registry) CreateSource(name string) (source.Source, error) {
	r.mu.RLock()
	factory, exists := r.sources[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source %s not found", name))
	}

	src, err := factory()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create source %s", name))
	}
	return src, nil
}

// CreateSink creates a sink instance
func (r *Registry) CreateSink(name string) (sink.Sink, error) {
	r.mu.RLock()
	factory, exists := r.sinks[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("sink %s not found", name))
	}

	s, err := factory()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create sink %s", name))
	}
	return s, nil
}

// ListSources returns the registered source types in sorted order
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListSinks returns the registered sink types in sorted order
func (r *Registry) ListSinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Global registry functions

// RegisterSource registers a source in the global registry
func RegisterSource(name string, factory SourceFactory) error {
	return globalRegistry.RegisterSource(name, factory)
}

// RegisterSink registers a sink in the global registry
func RegisterSink(name string, factory SinkFactory) error {
	return globalRegistry.RegisterSink(name, factory)
}

// CreateSource creates a source from the global registry
func CreateSource(name string) (source.Source, error) {
	return globalRegistry.CreateSource(name)
}

// CreateSink creates a sink from the global registry
func CreateSink(name string) (sink.Sink, error) {
	return globalRegistry.CreateSink(name)
}

// ListSources returns registered sources from the global registry
func ListSources() []string {
	return globalRegistry.ListSources()
}

// ListSinks returns registered sinks from the global registry
func ListSinks() []string {
	return globalRegistry.ListSinks()
}

// GetRegistry returns the global registry instance
func GetRegistry() *Registry {
	return globalRegistry
}
