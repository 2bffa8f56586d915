// Package lifecycle tears down the app's long-lived resources in reverse
// order of construction.
package lifecycle

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

type namedCloser struct {
	name string
	io.Closer
}

// Manager owns closers registered during startup.
type Manager struct {
	logger zerolog.Logger

	mu      sync.Mutex
	stack   []namedCloser
	stopped bool
}

// NewManager returns an empty manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register pushes closer onto the shutdown stack. Nil closers are ignored.
// Registering after Close closes the resource immediately.
func (m *Manager) Register(name string, closer io.Closer) {
	if closer == nil {
		return
	}
	m.mu.Lock()
	if !m.stopped {
		m.stack = append(m.stack, namedCloser{name: name, Closer: closer})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.closeOne(namedCloser{name: name, Closer: closer})
}

// RegisterFunc registers fn as a closer.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// Close pops every resource, newest first. All closers run; the first error
// wins. Later calls return nil.
func (m *Manager) Close() error {
	m.mu.Lock()
	stack := m.stack
	m.stack = nil
	m.stopped = true
	m.mu.Unlock()

	var firstErr error
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := m.closeOne(top); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) closeOne(c namedCloser) error {
	if err := c.Close(); err != nil {
		m.logger.Error().Err(err).Str("resource", c.name).Msg("lifecycle.close_failed")
		return err
	}
	m.logger.Debug().Str("resource", c.name).Msg("lifecycle.closed")
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
