package executor

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/n0remac/streamgraph/node"
	"github.com/n0remac/streamgraph/obslog"
	"github.com/n0remac/streamgraph/runtimedata"
	"github.com/n0remac/streamgraph/runtimeerr"
)

// SubprocessSpec describes how to launch the long-lived child process for a
// node class. Grounded on cvpipe/pipeline.go's StartH264: spawn via
// exec.CommandContext, wire stdin/stdout as the full-duplex channel.
type SubprocessSpec struct {
	Command string
	Args    []string
}

// subprocessHandle is one running child process plus its IPC plumbing.
type subprocessHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	mu     sync.Mutex // serializes request/response since the child speaks one frame at a time
}

// SubprocessBridge manages one long-lived child process per node, speaking
// the runtimedata wire format full-duplex over stdin/stdout — the same
// shape as cvpipe/pipeline.go's decoder/encoder subprocess pair, generalized
// from GStreamer video frames to any 4.A wire frame.
type SubprocessBridge struct {
	specs func(nodeType string) (SubprocessSpec, bool)
	log   zerolog.Logger

	mu      sync.Mutex
	handles map[string]*subprocessHandle
	cancels map[string]context.CancelFunc
}

// NewSubprocessBridge builds a bridge that resolves each node's launch spec
// via specs, keyed by node_type.
func NewSubprocessBridge(specs func(nodeType string) (SubprocessSpec, bool)) *SubprocessBridge {
	return &SubprocessBridge{
		specs:   specs,
		log:     obslog.Component("executor.subprocess"),
		handles: make(map[string]*subprocessHandle),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (b *SubprocessBridge) InitializeNode(ctx context.Context, nodeID, nodeType string, params map[string]any) error {
	spec, ok := b.specs(nodeType)
	if !ok {
		return runtimeerr.NodeInit(nodeID, fmt.Errorf("no subprocess spec for node type %q", nodeType))
	}

	cctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cctx, spec.Command, spec.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return runtimeerr.NodeInit(nodeID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return runtimeerr.NodeInit(nodeID, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return runtimeerr.NodeInit(nodeID, err)
	}

	b.mu.Lock()
	b.handles[nodeID] = &subprocessHandle{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}
	b.cancels[nodeID] = cancel
	b.mu.Unlock()

	b.log.Info().Str("node_id", nodeID).Str("command", spec.Command).Msg("subprocess node started")
	return nil
}

func (b *SubprocessBridge) get(nodeID string) (*subprocessHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[nodeID]
	if !ok {
		return nil, runtimeerr.BackendUnavailable("subprocess", fmt.Sprintf("node %q not initialized", nodeID))
	}
	return h, nil
}

// Process writes one wire frame to the child's stdin and reads exactly one
// reply frame from its stdout.
func (b *SubprocessBridge) Process(ctx context.Context, nodeID string, input runtimedata.Frame) (runtimedata.Frame, error) {
	h, err := b.get(nodeID)
	if err != nil {
		return runtimedata.Frame{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.stdin.Write(runtimedata.Encode(input)); err != nil {
		return runtimedata.Frame{}, runtimeerr.NodeExecution(nodeID, fmt.Errorf("write to subprocess: %w", err))
	}
	out, err := readFrame(h.stdout)
	if err != nil {
		return runtimedata.Frame{}, runtimeerr.NodeExecution(nodeID, fmt.Errorf("read from subprocess: %w", err))
	}
	return out, nil
}

// ProcessStreaming behaves like Process but reads frames until the child
// signals end-of-burst with a zero-length payload, emitting each to emit.
func (b *SubprocessBridge) ProcessStreaming(ctx context.Context, nodeID string, input runtimedata.Frame, sessionID string, emit node.EmitFunc) (int, error) {
	h, err := b.get(nodeID)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.stdin.Write(runtimedata.Encode(input)); err != nil {
		return 0, runtimeerr.NodeExecution(nodeID, fmt.Errorf("write to subprocess: %w", err))
	}

	count := 0
	for {
		out, err := readFrame(h.stdout)
		if err != nil {
			return count, runtimeerr.NodeExecution(nodeID, fmt.Errorf("read from subprocess: %w", err))
		}
		if len(out.Payload) == 0 {
			return count, nil
		}
		if err := emit(out); err != nil {
			return count, err
		}
		count++
	}
}

// FinishStreamingNode is a no-op: the subprocess protocol already signals
// end-of-burst per input via a zero-length payload frame (see
// ProcessStreaming), so there is nothing further to flush at session close.
func (b *SubprocessBridge) FinishStreamingNode(ctx context.Context, nodeID string, emit node.EmitFunc) error {
	return nil
}

func (b *SubprocessBridge) CleanupNode(ctx context.Context, nodeID string) error {
	b.mu.Lock()
	h, ok := b.handles[nodeID]
	cancel, hasCancel := b.cancels[nodeID]
	if ok {
		delete(b.handles, nodeID)
		delete(b.cancels, nodeID)
	}
	b.mu.Unlock()
	if !ok {
		return nil // idempotent
	}
	h.stdin.Close()
	if hasCancel {
		cancel()
	}
	_ = h.cmd.Wait()
	return nil
}

// readFrame reads one self-delimiting wire frame from r: the fixed header
// (which carries payload_len), then the payload.
func readFrame(r *bufio.Reader) (runtimedata.Frame, error) {
	header := make([]byte, 1+2)
	if _, err := io.ReadFull(r, header); err != nil {
		return runtimedata.Frame{}, err
	}
	sidLen := int(binary.LittleEndian.Uint16(header[1:]))
	rest := make([]byte, sidLen+8+4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return runtimedata.Frame{}, err
	}
	plen := int(binary.LittleEndian.Uint32(rest[sidLen+8:]))
	payload := make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return runtimedata.Frame{}, err
		}
	}
	full := append(append(header, rest...), payload...)
	return runtimedata.Decode(full)
}
