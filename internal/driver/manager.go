package driver

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/zesval/internal/config"
	"github.com/fxnlabs/zesval/internal/sysman"
)

// Factory creates a backend from configuration.
type Factory func(cfg config.Driver, log *zap.Logger) Backend

var factories = map[string]Factory{
	SimulatedName: func(cfg config.Driver, log *zap.Logger) Backend { return NewSimulated(cfg, log) },
}

// Backends returns the names of the known backends.
func Backends() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manager handles backend selection and lifecycle.
type Manager struct {
	backend Backend
	mu      sync.RWMutex
	log     *zap.Logger
}

// NewManager creates and initializes the backend named in cfg.
func NewManager(cfg config.Driver, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{log: log.Named("driver")}

	name := cfg.Backend
	if name == "" {
		name = SimulatedName
	}
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver backend %q, known backends: %v", name, Backends())
	}
	backend := factory(cfg, m.log)
	if !backend.IsAvailable() {
		return nil, fmt.Errorf("driver backend %q is not available", name)
	}
	if err := backend.Initialize(); err != nil {
		_ = backend.Cleanup()
		return nil, fmt.Errorf("failed to initialize driver backend %q: %w", name, err)
	}
	m.backend = backend
	m.log.Info("Driver backend initialized", zap.String("backend", name))
	return m, nil
}

// Backend returns the current backend.
func (m *Manager) Backend() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// Table returns the entry points of the current backend, or nil after
// Cleanup.
func (m *Manager) Table() sysman.Table {
	backend := m.Backend()
	if backend == nil {
		return nil
	}
	return backend.Table()
}

// Cleanup releases resources held by the current backend.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.Cleanup(); err != nil {
			return err
		}
		m.backend = nil
	}
	return nil
}
