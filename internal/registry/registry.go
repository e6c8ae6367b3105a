// Package registry tracks the live remote sessions of the process and the
// client channel each one belongs to.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/claworc/ssh-service/internal/sshterminal"
)

// Registry maps connection ids to live session handles. A single instance is
// created at startup and shared by the broker, the gateway and the
// lifecycle manager.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*sshterminal.Handle
}

// Entry is a point-in-time description of one registered session.
type Entry struct {
	ConnectionID string    `json:"connectionId"`
	ClientID     string    `json:"clientId"`
	TabID        string    `json:"tabId"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Username     string    `json:"username"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*sshterminal.Handle)}
}

// Register inserts h under h.ConnectionID. It fails only if the id is
// already present.
func (r *Registry) Register(h *sshterminal.Handle) error {
	if h.ConnectionID == "" {
		return fmt.Errorf("register: empty connection id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[h.ConnectionID]; exists {
		return fmt.Errorf("register: connection %s already registered", h.ConnectionID)
	}
	r.entries[h.ConnectionID] = h
	return nil
}

// Lookup returns the handle registered under id.
func (r *Registry) Lookup(id string) (*sshterminal.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[id]
	return h, ok
}

// Remove deletes id and returns the handle that was registered. Removing an
// absent id is a no-op; the boolean reports whether this call removed it.
func (r *Registry) Remove(id string) (*sshterminal.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return h, ok
}

// ForEachOwnedBy calls fn once for every handle owned by clientID. fn runs
// outside the lock over a snapshot, so it may call Remove freely.
func (r *Registry) ForEachOwnedBy(clientID string, fn func(*sshterminal.Handle)) {
	r.mu.RLock()
	owned := make([]*sshterminal.Handle, 0)
	for _, h := range r.entries {
		if h.ClientID == clientID {
			owned = append(owned, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range owned {
		fn(h)
	}
}

// Size returns the number of live entries.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot describes every entry, oldest first.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, Entry{
			ConnectionID: h.ConnectionID,
			ClientID:     h.ClientID,
			TabID:        h.TabID,
			Host:         h.Host,
			Port:         h.Port,
			Username:     h.Username,
			State:        h.State().String(),
			CreatedAt:    h.CreatedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Drain empties the registry and returns everything that was in it.
func (r *Registry) Drain() []*sshterminal.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*sshterminal.Handle, 0, len(r.entries))
	for id, h := range r.entries {
		out = append(out, h)
		delete(r.entries, id)
	}
	return out
}
