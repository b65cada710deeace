// Package lifecycle tracks resources that need orderly shutdown.
package lifecycle

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Closer is a named shutdown hook.
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

// Manager collects closers and runs them LIFO on shutdown, so dependencies
// close after their dependents.
type Manager struct {
	mu      sync.Mutex
	closers []Closer
	log     zerolog.Logger
}

// NewManager constructs a Manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log}
}

// Register adds a shutdown hook.
func (m *Manager) Register(name string, close func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, Closer{Name: name, Close: close})
}

// RegisterCloser adds a context-free shutdown hook.
func (m *Manager) RegisterCloser(name string, close func() error) {
	m.Register(name, func(context.Context) error { return close() })
}

// Shutdown runs all hooks in reverse registration order. Failures are logged
// and do not stop the remaining hooks.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	closers := make([]Closer, len(m.closers))
	copy(closers, m.closers)
	m.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		m.log.Info().Str("component", c.Name).Msg("Shutting down component")
		if err := c.Close(ctx); err != nil {
			m.log.Error().Str("component", c.Name).Err(err).Msg("Component shutdown failed")
		}
	}
}
