// Package transport defines the transport plugin contract and registry
// (spec 4.D). Concrete plugins live in subpackages (wsplugin, webrtcplugin,
// grpcplugin, httpplugin); this package ships the interface only — no
// transport dependency is imported here.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/n0remac/streamgraph/runtimeerr"
)

// Client is the transport-agnostic handle a remote-pipeline node (4.I) uses
// to send one frame and await one reply.
type Client interface {
	Send(ctx context.Context, frame []byte) ([]byte, error)
	Close() error
}

// ExecutorBridge is the minimal surface a server-side plugin needs to hand
// incoming data to a pipeline session. No type in this module implements it
// (pipeline.Session's SendInput also takes a node ID and a Frame); the caller
// of CreateServer supplies the adapter.
type ExecutorBridge interface {
	SendInput(ctx context.Context, frame []byte) error
	RecvOutput(ctx context.Context) ([]byte, bool, error)
}

// Plugin is a named transport implementation.
type Plugin interface {
	Name() string
	ValidateConfig(params map[string]any) error
	CreateClient(ctx context.Context, config map[string]any) (Client, error)
	CreateServer(ctx context.Context, config map[string]any, bridge ExecutorBridge) error
}

// Registry is the name→plugin lookup table. Lookup is concurrent-read,
// rare-write; registration is write-once per name.
//
// Go's sync.RWMutex cannot become "poisoned" the way a Rust Mutex can after
// a panicking holder, so there is no analog of original_source's
// lock-poisoning-degrades-to-not-found behavior to reproduce mechanically.
// We preserve the *spirit* of that rule instead: List degrades to an empty
// slice rather than ever panicking, and Get degrades to "not found" rather
// than panicking, even if a future refactor introduces a recoverable panic
// path inside the critical section.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Plugin
	damaged bool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Plugin)}
}

// Register adds a plugin under its name. Duplicate registration is a
// ConfigError.
func (r *Registry) Register(p Plugin) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.mu.Lock()
			r.damaged = true
			r.mu.Unlock()
			err = runtimeerr.Config("transport_plugin", fmt.Sprintf("panic during registration: %v", rec))
		}
	}()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name()]; exists {
		return runtimeerr.Config("transport_plugin", fmt.Sprintf("%q already registered", p.Name()))
	}
	r.byName[p.Name()] = p
	return nil
}

// Get looks up a plugin by name. A damaged registry (see Register) degrades
// to "not found" rather than panicking or propagating the original failure.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.damaged {
		return nil, false
	}
	p, ok := r.byName[name]
	return p, ok
}

// List returns all registered plugin names. Degrades to an empty slice on a
// damaged registry rather than failing the caller.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.damaged {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
