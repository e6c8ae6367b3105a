// Package lifecycle tears the service down in order when the process is asked
// to stop.
package lifecycle

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gluk-w/claworc/ssh-service/internal/registry"
	"github.com/gluk-w/claworc/ssh-service/internal/sshbroker"
)

// Closer is anything with a context-bounded Close, such as the client gateway.
type Closer interface {
	Close(ctx context.Context) error
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Manager coordinates shutdown. Shutdown may be called any number of times;
// calls after the first find nothing left to close.
type Manager struct {
	reg     *registry.Registry
	broker  *sshbroker.Broker
	clients Closer
	server  *http.Server

	mu             sync.Mutex
	serverStopped  bool
	hooksCompleted bool
	hooks          []hook
}

// New creates a manager. broker, clients and server may be nil.
func New(reg *registry.Registry, broker *sshbroker.Broker, clients Closer, server *http.Server) *Manager {
	return &Manager{reg: reg, broker: broker, clients: clients, server: server}
}

// OnShutdown registers fn to run after sessions, clients and the listener are
// closed. Hooks run once, in registration order.
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Shutdown closes every live session, disconnects clients, stops the HTTP
// server and runs the shutdown hooks. Errors from individual sessions are
// logged and do not stop the rest of the teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.broker != nil {
		m.broker.Shutdown()
	}

	handles := m.reg.Drain()
	if len(handles) > 0 {
		log.Printf("[lifecycle] closing %d live session(s)", len(handles))
	}
	for _, h := range handles {
		if err := h.Close(); err != nil {
			log.Printf("[lifecycle] session %s close: %v", h.ConnectionID, err)
		}
	}

	var errs []error
	if m.clients != nil {
		if err := m.clients.Close(ctx); err != nil {
			log.Printf("[lifecycle] client channels did not close cleanly: %v", err)
			errs = append(errs, err)
		}
	}

	if m.server != nil && !m.serverStopped {
		m.serverStopped = true
		if err := m.server.Shutdown(ctx); err != nil {
			log.Printf("[lifecycle] HTTP server shutdown: %v", err)
			errs = append(errs, err)
		}
	}

	if m.broker != nil {
		if err := m.broker.Wait(ctx); err != nil {
			log.Printf("[lifecycle] relays still running: %v", err)
			errs = append(errs, err)
		}
	}

	if !m.hooksCompleted {
		m.hooksCompleted = true
		for _, h := range m.hooks {
			if err := h.fn(ctx); err != nil {
				log.Printf("[lifecycle] %s: %v", h.name, err)
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}
