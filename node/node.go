// Package node defines the node capability contract and a write-once,
// string-keyed factory registry (spec 4.B).
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/n0remac/streamgraph/runtimedata"
	"github.com/n0remac/streamgraph/runtimeerr"
)

// MediaConstraints describes declared sample rates, channel counts, and
// pixel formats a node accepts or produces. Purely descriptive; neither the
// manifest validator nor the backend selector reads them.
type MediaConstraints struct {
	SampleRates  []uint32
	ChannelCounts []uint16
	PixelFormats []runtimedata.PixelFormat
}

// MediaCapabilities bundles input/output constraints.
type MediaCapabilities struct {
	Input  MediaConstraints
	Output MediaConstraints
}

// EmitFunc is the caller-supplied callback a streaming node uses to push
// zero or more outputs for a single input.
type EmitFunc func(runtimedata.Frame) error

// Node is the capability set every node instance exposes. initialize may be
// called at most once; process/process_streaming run on the scheduler-owned
// driver task only — no other goroutine mutates node state.
type Node interface {
	NodeType() string
	Initialize(ctx context.Context, sessionCtx SessionContext) error
	Process(ctx context.Context, input runtimedata.Frame) (runtimedata.Frame, error)
	ProcessStreaming(ctx context.Context, input runtimedata.Frame, sessionID string, emit EmitFunc) (emittedCount int, err error)
	IsStreaming() bool
	FinishStreaming(ctx context.Context, emit EmitFunc) error
	Cleanup(ctx context.Context) error
	MediaCapabilities() MediaCapabilities
}

// SessionContext is the minimal information a node gets at initialize time.
type SessionContext struct {
	SessionID string
	Params    map[string]any
}

// Factory builds one Node instance for a given manifest node ID + params.
type Factory func(nodeID string, params map[string]any, sessionID string) (Node, error)

// FactoryInfo records the selector hints a factory declares alongside itself.
type FactoryInfo struct {
	Factory               Factory
	IsPythonNode          bool
	IsMultiOutputStreaming bool
}

// Registry is a write-once, many-read, string-keyed factory table.
type Registry struct {
	mu    sync.RWMutex
	byType map[string]FactoryInfo
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]FactoryInfo)}
}

// Register adds a factory under nodeType. Duplicate registration is an
// error — registration is write-once per key.
func (r *Registry) Register(nodeType string, info FactoryInfo) error {
	if nodeType == "" {
		return runtimeerr.Validation("node_type", "must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byType[nodeType]; exists {
		return runtimeerr.Config("node_type", fmt.Sprintf("%q already registered", nodeType))
	}
	r.byType[nodeType] = info
	return nil
}

// Lookup returns the FactoryInfo for a node type, or false if unregistered.
func (r *Registry) Lookup(nodeType string) (FactoryInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byType[nodeType]
	return info, ok
}

// Create instantiates a node of the given type via its registered factory.
func (r *Registry) Create(nodeType, nodeID string, params map[string]any, sessionID string) (Node, error) {
	info, ok := r.Lookup(nodeType)
	if !ok {
		return nil, runtimeerr.Config("node_type", fmt.Sprintf("no factory registered for %q", nodeType))
	}
	n, err := info.Factory(nodeID, params, sessionID)
	if err != nil {
		return nil, runtimeerr.NodeInit(nodeID, err)
	}
	return n, nil
}
