package node

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/n0remac/streamgraph/runtimedata"
)

// Flaky always fails Process; it exists to drive circuit-breaker tests
// (spec section 8 scenario 3) without depending on a real node body.
type Flaky struct {
	calls atomic.Int64
}

func NewFlaky(nodeID string, params map[string]any, sessionID string) (Node, error) {
	return &Flaky{}, nil
}

func (f *Flaky) NodeType() string { return "flaky" }

func (f *Flaky) Initialize(ctx context.Context, sessionCtx SessionContext) error { return nil }

func (f *Flaky) Process(ctx context.Context, input runtimedata.Frame) (runtimedata.Frame, error) {
	n := f.calls.Add(1)
	return runtimedata.Frame{}, fmt.Errorf("flaky node failed on call %d", n)
}

func (f *Flaky) ProcessStreaming(ctx context.Context, input runtimedata.Frame, sessionID string, emit EmitFunc) (int, error) {
	_, err := f.Process(ctx, input)
	return 0, err
}

func (f *Flaky) IsStreaming() bool { return false }

func (f *Flaky) FinishStreaming(ctx context.Context, emit EmitFunc) error { return nil }

func (f *Flaky) Cleanup(ctx context.Context) error { return nil }

func (f *Flaky) MediaCapabilities() MediaCapabilities { return MediaCapabilities{} }

// CallCount reports how many times Process has been invoked.
func (f *Flaky) CallCount() int64 { return f.calls.Load() }
