// Package executor implements the three interchangeable execution backends
// behind a common Bridge interface (spec 4.E). The subprocess bridge is
// grounded on cvpipe/pipeline.go's long-lived-child-process-plus-full-duplex-IPC
// pattern, generalized from a GStreamer-specific pipeline to any child
// process speaking the runtimedata wire format over its stdin/stdout.
package executor

import (
	"context"

	"github.com/n0remac/streamgraph/node"
	"github.com/n0remac/streamgraph/runtimedata"
)

// Bridge is the common interface all three backends satisfy.
type Bridge interface {
	InitializeNode(ctx context.Context, nodeID, nodeType string, params map[string]any) error
	Process(ctx context.Context, nodeID string, input runtimedata.Frame) (runtimedata.Frame, error)
	ProcessStreaming(ctx context.Context, nodeID string, input runtimedata.Frame, sessionID string, emit node.EmitFunc) (int, error)
	FinishStreamingNode(ctx context.Context, nodeID string, emit node.EmitFunc) error
	CleanupNode(ctx context.Context, nodeID string) error
}

// RuntimeHint is the manifest-declared backend preference for a node.
type RuntimeHint string

const (
	HintNative     RuntimeHint = "native"
	HintSubprocess RuntimeHint = "subprocess"
	HintContainer  RuntimeHint = "container"
)

// SelectBackend maps a node to exactly one backend using runtime_hint,
// node-type defaults, and whether a docker override is present. Assignment
// is recorded on the session and is immutable for its lifetime (spec 4.E).
func SelectBackend(hint RuntimeHint, isPythonNode bool, hasDockerConfig bool) RuntimeHint {
	switch hint {
	case HintNative, HintSubprocess, HintContainer:
		return hint
	default:
		if hasDockerConfig {
			return HintContainer
		}
		if isPythonNode {
			return HintSubprocess
		}
		return HintNative
	}
}
