// Package pipeline turns a validated manifest into a running per-session
// graph of node driver goroutines exchanging runtimedata.Frame over bounded
// mailboxes (spec 4.G). Grounded on websocket.Hub's central-select-loop
// idiom (websocket/websocket.go), generalized from one hub-wide select to
// one driver goroutine per node, each selecting on shutdown and its own
// input mailbox.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/n0remac/streamgraph/config"
	"github.com/n0remac/streamgraph/executor"
	"github.com/n0remac/streamgraph/manifest"
	"github.com/n0remac/streamgraph/node"
	"github.com/n0remac/streamgraph/obslog"
	"github.com/n0remac/streamgraph/runtimedata"
	"github.com/n0remac/streamgraph/runtimeerr"
	"github.com/n0remac/streamgraph/scheduler"
)

// DrainTimeout bounds how long Close waits for queued outputs to reach the
// transport before forcing node cleanup (spec 4.G: default 500ms).
const DrainTimeout = 500 * time.Millisecond

// Options configures a Session beyond the manifest itself.
type Options struct {
	MailboxDepth       int
	Backpressure       BackpressurePolicy
	SubprocessSpecs    func(nodeType string) (executor.SubprocessSpec, bool)
	SchedulerConfig    config.SchedulerConfig
}

// Session is one running instance of a validated manifest.
type Session struct {
	id       string
	manifest manifest.Manifest
	registry *node.Registry
	sched    *scheduler.Scheduler
	opts     Options

	nativeBridge *executor.NativeBridge
	subprocess   *executor.SubprocessBridge

	assignments map[string]executor.RuntimeHint
	downstream  map[string][]string
	inboxes     map[string]*mailbox

	out    chan runtimedata.Frame
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	log       zerolog.Logger
}

// New validates m, selects backends, instantiates nodes, and starts one
// driver goroutine per node. The returned Session is ready for SendInput.
func New(ctx context.Context, sessionID string, m manifest.Manifest, registry *node.Registry, opts Options) (*Session, error) {
	if err := manifest.Validate(m); err != nil {
		return nil, err
	}
	if opts.SchedulerConfig.MaxConcurrency == 0 {
		opts.SchedulerConfig = config.DefaultSchedulerConfig()
	}

	order, err := topologicalOrder(m)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:           sessionID,
		manifest:     m,
		registry:     registry,
		sched:        scheduler.New(opts.SchedulerConfig),
		opts:         opts,
		nativeBridge: executor.NewNativeBridge(registry),
		downstream:   downstreamOf(m),
		inboxes:      make(map[string]*mailbox, len(m.Nodes)),
		out:          make(chan runtimedata.Frame, DefaultMailboxDepth),
		cancel:       cancel,
		log:          obslog.Component("pipeline.session"),
	}
	if opts.SubprocessSpecs != nil {
		s.subprocess = executor.NewSubprocessBridge(opts.SubprocessSpecs)
	}

	s.assignments = make(map[string]executor.RuntimeHint, len(m.Nodes))
	for _, ns := range m.Nodes {
		info, _ := registry.Lookup(ns.NodeType)
		hint := executor.SelectBackend(executor.RuntimeHint(ns.RuntimeHint), info.IsPythonNode, len(ns.Docker) > 0)
		s.assignments[ns.ID] = hint
		s.inboxes[ns.ID] = newMailbox(opts.MailboxDepth, opts.Backpressure)
	}

	for _, ns := range m.Nodes {
		bridge, err := s.bridgeFor(ns.ID)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := bridge.InitializeNode(sctx, ns.ID, ns.NodeType, decodeParams(ns.Params)); err != nil {
			cancel()
			return nil, err
		}
	}

	s.wg.Add(len(order))
	for _, nodeID := range order {
		go s.drive(sctx, nodeID)
	}

	return s, nil
}

// Scheduler exposes the session's scheduler so callers can register it with
// observability.Registry (spec 4.M).
func (s *Session) Scheduler() *scheduler.Scheduler { return s.sched }

func (s *Session) bridgeFor(nodeID string) (executor.Bridge, error) {
	switch s.assignments[nodeID] {
	case executor.HintSubprocess:
		if s.subprocess == nil {
			return nil, runtimeerr.BackendUnavailable("subprocess", "no subprocess specs configured for this session")
		}
		return s.subprocess, nil
	case executor.HintContainer:
		// Intentionally non-runnable: driving a container runtime is a spec §1
		// Non-goal, so any node selecting this hint fails fast at New().
		return nil, runtimeerr.BackendUnavailable("container", "container execution backend is not wired in this session")
	default:
		return s.nativeBridge, nil
	}
}

// drive is the per-node driver task: it repeatedly takes one input from the
// node's mailbox, executes it through the scheduler, and fans out the
// result(s) to every downstream mailbox (or the session output if none).
func (s *Session) drive(ctx context.Context, nodeID string) {
	defer s.wg.Done()

	ns, _ := s.manifest.NodeByID(nodeID)
	bridge, err := s.bridgeFor(nodeID)
	if err != nil {
		s.log.Error().Err(err).Str("node_id", nodeID).Msg("no bridge for node, driver exiting")
		return
	}
	inbox := s.inboxes[nodeID]

	emit := func(f runtimedata.Frame) error {
		return s.forward(ctx, nodeID, f)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-inbox.ch:
			if !ok {
				return
			}
			op := func(opCtx context.Context) (any, error) {
				if ns.IsStreaming {
					_, err := bridge.ProcessStreaming(opCtx, nodeID, in, s.id, emit)
					return nil, err
				}
				out, err := bridge.Process(opCtx, nodeID, in)
				if err != nil {
					return nil, err
				}
				return out, nil
			}

			res, err := s.sched.ExecuteStreamingNode(ctx, nodeID, op)
			if err != nil {
				s.log.Warn().Err(err).Str("node_id", nodeID).Msg("node execution failed")
				continue
			}
			if !ns.IsStreaming {
				if out, ok := res.Value.(runtimedata.Frame); ok {
					if err := s.forward(ctx, nodeID, out); err != nil {
						return
					}
				}
			}
		}
	}
}

// forward clones out to every declared downstream connection from nodeID,
// or to the session's final output channel if nodeID has no downstream.
func (s *Session) forward(ctx context.Context, nodeID string, out runtimedata.Frame) error {
	next := s.downstream[nodeID]
	if len(next) == 0 {
		select {
		case s.out <- out:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, to := range next {
		box, ok := s.inboxes[to]
		if !ok {
			continue
		}
		if err := box.send(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

// SendInput delivers a frame to nodeID's input mailbox, honoring the
// session's backpressure policy.
func (s *Session) SendInput(ctx context.Context, nodeID string, f runtimedata.Frame) error {
	box, ok := s.inboxes[nodeID]
	if !ok {
		return runtimeerr.Validation("node_id", "unknown node "+nodeID)
	}
	return box.send(ctx, f)
}

// RecvOutput returns the next output frame for a node with no downstream
// connections, or false if the session output channel closed.
func (s *Session) RecvOutput(ctx context.Context) (runtimedata.Frame, bool) {
	select {
	case f, ok := <-s.out:
		return f, ok
	case <-ctx.Done():
		return runtimedata.Frame{}, false
	}
}

// Close shuts down every driver task, calls finish_streaming on streaming
// nodes, drains remaining outputs up to DrainTimeout, then cleans up every
// node via its bridge. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()

		doneDrivers := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(doneDrivers)
		}()
		select {
		case <-doneDrivers:
		case <-time.After(DrainTimeout):
		}

		for _, ns := range s.manifest.Nodes {
			if !ns.IsStreaming {
				continue
			}
			bridge, err := s.bridgeFor(ns.ID)
			if err != nil {
				continue
			}
			nodeID := ns.ID
			emit := func(f runtimedata.Frame) error { return s.forward(ctx, nodeID, f) }
			if err := bridge.FinishStreamingNode(ctx, nodeID, emit); err != nil {
				s.log.Warn().Err(err).Str("node_id", nodeID).Msg("finish_streaming failed")
			}
		}

		// Wait, up to DrainTimeout, for the transport (reading via RecvOutput)
		// to consume queued outputs; anything left stays readable after close.
		drainDeadline := time.After(DrainTimeout)
	drainLoop:
		for len(s.out) > 0 {
			select {
			case <-drainDeadline:
				break drainLoop
			case <-time.After(5 * time.Millisecond):
			}
		}

		// Tear down bridges in reverse of node declaration order, per spec.
		for i := len(s.manifest.Nodes) - 1; i >= 0; i-- {
			ns := s.manifest.Nodes[i]
			bridge, err := s.bridgeFor(ns.ID)
			if err != nil {
				continue
			}
			if err := bridge.CleanupNode(ctx, ns.ID); err != nil && closeErr == nil {
				closeErr = err
			}
		}
		close(s.out)
	})
	return closeErr
}

// decodeParams is a thin adapter from manifest.NodeSpec's raw JSON params to
// the map[string]any shape node factories expect.
func decodeParams(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	m, err := config.DecodeParams(raw)
	if err != nil {
		return nil
	}
	return m
}
