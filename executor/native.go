package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/n0remac/streamgraph/node"
	"github.com/n0remac/streamgraph/runtimedata"
	"github.com/n0remac/streamgraph/runtimeerr"
)

// NativeBridge runs node bodies in-process: direct function calls into node
// code, no IPC.
type NativeBridge struct {
	registry *node.Registry

	mu    sync.Mutex
	nodes map[string]node.Node
}

func NewNativeBridge(registry *node.Registry) *NativeBridge {
	return &NativeBridge{registry: registry, nodes: make(map[string]node.Node)}
}

func (b *NativeBridge) InitializeNode(ctx context.Context, nodeID, nodeType string, params map[string]any) error {
	n, err := b.registry.Create(nodeType, nodeID, params, "")
	if err != nil {
		return err
	}
	if err := n.Initialize(ctx, node.SessionContext{SessionID: nodeID, Params: params}); err != nil {
		return runtimeerr.NodeInit(nodeID, err)
	}
	b.mu.Lock()
	b.nodes[nodeID] = n
	b.mu.Unlock()
	return nil
}

func (b *NativeBridge) get(nodeID string) (node.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[nodeID]
	if !ok {
		return nil, runtimeerr.BackendUnavailable("native", fmt.Sprintf("node %q not initialized", nodeID))
	}
	return n, nil
}

func (b *NativeBridge) Process(ctx context.Context, nodeID string, input runtimedata.Frame) (runtimedata.Frame, error) {
	n, err := b.get(nodeID)
	if err != nil {
		return runtimedata.Frame{}, err
	}
	out, err := n.Process(ctx, input)
	if err != nil {
		return runtimedata.Frame{}, runtimeerr.NodeExecution(nodeID, err)
	}
	return out, nil
}

func (b *NativeBridge) ProcessStreaming(ctx context.Context, nodeID string, input runtimedata.Frame, sessionID string, emit node.EmitFunc) (int, error) {
	n, err := b.get(nodeID)
	if err != nil {
		return 0, err
	}
	count, err := n.ProcessStreaming(ctx, input, sessionID, emit)
	if err != nil {
		return count, runtimeerr.NodeExecution(nodeID, err)
	}
	return count, nil
}

// FinishStreamingNode calls the underlying node.Node's FinishStreaming
// directly, since native bridge nodes are driven in-process (spec 4.G).
func (b *NativeBridge) FinishStreamingNode(ctx context.Context, nodeID string, emit node.EmitFunc) error {
	n, err := b.get(nodeID)
	if err != nil {
		return err
	}
	if err := n.FinishStreaming(ctx, emit); err != nil {
		return runtimeerr.NodeExecution(nodeID, err)
	}
	return nil
}

func (b *NativeBridge) CleanupNode(ctx context.Context, nodeID string) error {
	b.mu.Lock()
	n, ok := b.nodes[nodeID]
	if ok {
		delete(b.nodes, nodeID)
	}
	b.mu.Unlock()
	if !ok {
		return nil // idempotent: cleanup of an unknown/already-cleaned node is a no-op
	}
	return n.Cleanup(ctx)
}
