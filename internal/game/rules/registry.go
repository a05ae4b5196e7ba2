package rules

import (
	"fmt"
	"sort"
	"sync"
)

// Registry indexes plugins by ID.
//
// Invariant: each plugin ID is registered at most once.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register stores p under p.ID().
//
// Precondition: p must be non-nil with a non-empty ID.
// Postcondition: returns error on ID collision.
func (r *Registry) Register(p Plugin) error {
	if p == nil || p.ID() == "" {
		return fmt.Errorf("rules.Registry: plugin must be non-nil with a non-empty ID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.ID()]; exists {
		return fmt.Errorf("rules.Registry: plugin %q already registered", p.ID())
	}
	r.plugins[p.ID()] = p
	return nil
}

// Get returns the plugin registered as id.
func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// IDs returns all registered plugin IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
