// Package remotenode implements the remote-pipeline node (spec 4.I): a node
// whose body is another manifest executing on a remote runtime, reached
// through a transport.Plugin client. Retry/timeout/circuit-breaker logic
// here mirrors scheduler's (spec 4.F) but is node-internal — it sits above,
// not inside, the scheduler wrapping that drives this node like any other.
package remotenode

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/n0remac/streamgraph/config"
	"github.com/n0remac/streamgraph/manifest"
	"github.com/n0remac/streamgraph/manifestcache"
	"github.com/n0remac/streamgraph/node"
	"github.com/n0remac/streamgraph/runtimedata"
	"github.com/n0remac/streamgraph/runtimeerr"
	"github.com/n0remac/streamgraph/transport"
)

// Strategy picks which endpoint serves the next call.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	Random           Strategy = "random"
)

// Source names where the embedded manifest comes from. Exactly one of
// Inline, URL, Name should be set.
type Source struct {
	Inline *manifest.Manifest
	URL    string
	Name   string
}

func (s Source) cacheKey() (string, bool) {
	switch {
	case s.URL != "":
		return s.URL, true
	case s.Name != "":
		return "name:" + s.Name, true
	default:
		return "", false
	}
}

// Config is the remote-pipeline node's configuration (spec 4.I).
type Config struct {
	TransportPlugin string
	Endpoints       []string
	ManifestSource  Source
	TimeoutMs       int64 // default 30_000
	Retry           config.RetryPolicy
	CircuitBreaker  int // consecutive-failure threshold; 0 disables
	Strategy        Strategy
	AuthToken       string // may contain ${ENV} / $ENV, substituted at Initialize
}

// DefaultTimeoutMs matches spec 4.I's default.
const DefaultTimeoutMs = 30_000

// DefaultRetry matches spec 4.I's "optional retry (max 3, backoff 1s
// exponential)" when the caller opts in without specifying particulars.
var DefaultRetry = config.RetryPolicy{Kind: config.RetryExponential, MaxRetries: 3, BaseDelay: 1000, Multiplier: 2.0}

// Node is one remote-pipeline node instance.
type Node struct {
	id       string
	cfg      Config
	plugin   transport.Plugin
	resolver *manifestcache.Resolver

	mu           sync.Mutex
	client       transport.Client
	endpoint     string
	rrIndex      int
	connCounts   map[string]int
	consecFail   int
	circuitOpen  bool
	authResolved string
}

// NewFactory builds a node.Factory that constructs remote-pipeline nodes
// bound to the given plugin lookup and manifest resolver. The manifest
// itself is not fetched here; Initialize does that, matching spec 4.I
// ("initialize loads the manifest").
func NewFactory(plugins func(name string) (transport.Plugin, bool), resolver *manifestcache.Resolver, parseConfig func(params map[string]any) (Config, error)) node.Factory {
	return func(nodeID string, params map[string]any, sessionID string) (node.Node, error) {
		cfg, err := parseConfig(params)
		if err != nil {
			return nil, err
		}
		plugin, ok := plugins(cfg.TransportPlugin)
		if !ok {
			return nil, runtimeerr.Config("transport", fmt.Sprintf("no transport plugin registered for %q", cfg.TransportPlugin))
		}
		if len(cfg.Endpoints) == 0 {
			return nil, runtimeerr.Config("endpoints", "remote-pipeline node requires at least one endpoint")
		}
		if cfg.TimeoutMs <= 0 {
			cfg.TimeoutMs = DefaultTimeoutMs
		}
		return &Node{
			id:         nodeID,
			cfg:        cfg,
			plugin:     plugin,
			resolver:   resolver,
			connCounts: make(map[string]int, len(cfg.Endpoints)),
		}, nil
	}
}

func (n *Node) NodeType() string { return "remote_pipeline" }

// Initialize loads and validates the target manifest (via the shared cache
// for URL/name sources, never for inline), substitutes environment
// variables in the auth token, and selects the first endpoint.
func (n *Node) Initialize(ctx context.Context, sessionCtx node.SessionContext) error {
	var m manifest.Manifest
	if n.cfg.ManifestSource.Inline != nil {
		m = *n.cfg.ManifestSource.Inline
	} else if key, ok := n.cfg.ManifestSource.cacheKey(); ok {
		var err error
		m, err = n.resolver.Resolve(key)
		if err != nil {
			return runtimeerr.NodeInit(n.id, err)
		}
	} else {
		return runtimeerr.NodeInit(n.id, runtimeerr.Config("manifest_source", "no inline/url/name manifest source configured"))
	}
	if err := manifest.Validate(m); err != nil {
		return runtimeerr.NodeInit(n.id, err)
	}

	token, err := config.SubstituteEnv(n.cfg.AuthToken)
	if err != nil {
		return runtimeerr.NodeInit(n.id, err)
	}
	n.authResolved = token

	n.mu.Lock()
	n.endpoint = n.cfg.Endpoints[0]
	n.mu.Unlock()
	return nil
}

func (n *Node) IsStreaming() bool { return false }

// Process wraps input in the plugin's transport envelope, sends it over the
// selected endpoint's client, and awaits a single reply — retry/timeout/CB
// logic mirrors scheduler's but stays node-internal (spec 4.I).
func (n *Node) Process(ctx context.Context, input runtimedata.Frame) (runtimedata.Frame, error) {
	n.mu.Lock()
	if n.circuitOpen && n.cfg.CircuitBreaker > 0 {
		n.mu.Unlock()
		return runtimedata.Frame{}, runtimeerr.CircuitOpen(n.id)
	}
	n.mu.Unlock()

	endpoint := n.selectEndpoint()
	n.adjustConn(endpoint, 1)
	defer n.adjustConn(endpoint, -1)

	maxAttempts := 1
	if n.cfg.Retry.Kind != config.RetryNone {
		maxAttempts = 1 + n.cfg.Retry.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := n.cfg.Retry.DelayForAttempt(attempt - 1)
			select {
			case <-time.After(time.Duration(delay) * time.Millisecond):
			case <-ctx.Done():
				return runtimedata.Frame{}, ctx.Err()
			}
		}

		cctx, cancel := context.WithTimeout(ctx, time.Duration(n.cfg.TimeoutMs)*time.Millisecond)
		out, err := n.callOnce(cctx, endpoint, input)
		cancel()
		if err == nil {
			n.recordSuccess()
			return out, nil
		}
		lastErr = err
		n.recordFailure()
	}
	return runtimedata.Frame{}, runtimeerr.NodeExecution(n.id, lastErr)
}

func (n *Node) callOnce(ctx context.Context, endpoint string, input runtimedata.Frame) (runtimedata.Frame, error) {
	client, err := n.clientFor(ctx, endpoint)
	if err != nil {
		return runtimedata.Frame{}, err
	}
	replyBytes, err := client.Send(ctx, runtimedata.Encode(input))
	if err != nil {
		return runtimedata.Frame{}, err
	}
	return runtimedata.Decode(replyBytes)
}

func (n *Node) clientFor(ctx context.Context, endpoint string) (transport.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client != nil && n.endpoint == endpoint {
		return n.client, nil
	}
	if n.client != nil {
		_ = n.client.Close()
	}
	cfg := map[string]any{"endpoint": endpoint, "auth_token": n.authResolved}
	client, err := n.plugin.CreateClient(ctx, cfg)
	if err != nil {
		return nil, runtimeerr.BackendUnavailable(n.cfg.TransportPlugin, err.Error())
	}
	n.client = client
	n.endpoint = endpoint
	return client, nil
}

func (n *Node) selectEndpoint() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	eps := n.cfg.Endpoints
	switch n.cfg.Strategy {
	case LeastConnections:
		best := eps[0]
		bestCount := n.connCounts[best]
		for _, e := range eps[1:] {
			if c := n.connCounts[e]; c < bestCount {
				best, bestCount = e, c
			}
		}
		return best
	case Random:
		return eps[rand.Intn(len(eps))]
	default: // RoundRobin
		e := eps[n.rrIndex%len(eps)]
		n.rrIndex++
		return e
	}
}

func (n *Node) adjustConn(endpoint string, delta int) {
	n.mu.Lock()
	n.connCounts[endpoint] += delta
	n.mu.Unlock()
}

func (n *Node) recordSuccess() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.consecFail = 0
	n.circuitOpen = false
}

func (n *Node) recordFailure() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cfg.CircuitBreaker <= 0 {
		return
	}
	n.consecFail++
	if n.consecFail >= n.cfg.CircuitBreaker {
		n.circuitOpen = true
	}
}

// ProcessStreaming runs one Process round trip and emits its single reply,
// so each call yields exactly one output (spec 4.I).
func (n *Node) ProcessStreaming(ctx context.Context, input runtimedata.Frame, sessionID string, emit node.EmitFunc) (int, error) {
	out, err := n.Process(ctx, input)
	if err != nil {
		return 0, err
	}
	if err := emit(out); err != nil {
		return 0, err
	}
	return 1, nil
}

func (n *Node) FinishStreaming(ctx context.Context, emit node.EmitFunc) error { return nil }

// Cleanup closes the underlying transport client; idempotent.
func (n *Node) Cleanup(ctx context.Context) error {
	n.mu.Lock()
	client := n.client
	n.client = nil
	n.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (n *Node) MediaCapabilities() node.MediaCapabilities { return node.MediaCapabilities{} }
