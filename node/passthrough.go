package node

import (
	"context"

	"github.com/n0remac/streamgraph/runtimedata"
)

// Passthrough returns its input unchanged. Used as the minimal reference
// node body for unary-execution tests and demos — it has no media-specific
// behavior, so it is not a "concrete node implementation" in the sense
// excluded by spec section 1.
type Passthrough struct{}

// NewPassthrough is a Factory for node type "passthrough".
func NewPassthrough(nodeID string, params map[string]any, sessionID string) (Node, error) {
	return &Passthrough{}, nil
}

func (p *Passthrough) NodeType() string { return "passthrough" }

func (p *Passthrough) Initialize(ctx context.Context, sessionCtx SessionContext) error { return nil }

func (p *Passthrough) Process(ctx context.Context, input runtimedata.Frame) (runtimedata.Frame, error) {
	return input, nil
}

func (p *Passthrough) ProcessStreaming(ctx context.Context, input runtimedata.Frame, sessionID string, emit EmitFunc) (int, error) {
	if err := emit(input); err != nil {
		return 0, err
	}
	return 1, nil
}

func (p *Passthrough) IsStreaming() bool { return true }

func (p *Passthrough) FinishStreaming(ctx context.Context, emit EmitFunc) error { return nil }

func (p *Passthrough) Cleanup(ctx context.Context) error { return nil }

func (p *Passthrough) MediaCapabilities() MediaCapabilities { return MediaCapabilities{} }
