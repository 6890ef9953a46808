// Package runtimeerr defines the typed error taxonomy from spec section 7.
// Each kind carries enough context for callers to branch via errors.As
// without string-matching messages.
package runtimeerr

import "fmt"

// ValidationErr surfaces to the caller; never retried.
type ValidationErr struct {
	Field  string
	Reason string
}

func (e *ValidationErr) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) error {
	return &ValidationErr{Field: field, Reason: reason}
}

// ConfigErr surfaces and fails session init (env-var substitution, missing
// plugin, bad params).
type ConfigErr struct {
	Key    string
	Reason string
}

func (e *ConfigErr) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Key, e.Reason)
}

func Config(key, reason string) error {
	return &ConfigErr{Key: key, Reason: reason}
}

// InvalidManifestErr fails session init.
type InvalidManifestErr struct {
	Reason string
}

func (e *InvalidManifestErr) Error() string {
	return fmt.Sprintf("invalid manifest: %s", e.Reason)
}

func InvalidManifest(reason string) error {
	return &InvalidManifestErr{Reason: reason}
}

// CircularDependencyErr surfaces with the full chain that closed the cycle.
type CircularDependencyErr struct {
	Chain  []string
	Reason string
}

func (e *CircularDependencyErr) Error() string {
	return fmt.Sprintf("circular dependency: %s (chain: %v)", e.Reason, e.Chain)
}

func CircularDependency(chain []string, reason string) error {
	return &CircularDependencyErr{Chain: chain, Reason: reason}
}

// MalformedFrameErr names the offending field; the caller drops the frame,
// emits a metric, and keeps the session alive.
type MalformedFrameErr struct {
	Field  string
	Reason string
}

func (e *MalformedFrameErr) Error() string {
	return fmt.Sprintf("malformed frame: field %q: %s", e.Field, e.Reason)
}

func MalformedFrame(field, reason string) error {
	return &MalformedFrameErr{Field: field, Reason: reason}
}

// NodeInitErr fails session init; no retry.
type NodeInitErr struct {
	NodeID string
	Cause  error
}

func (e *NodeInitErr) Error() string {
	return fmt.Sprintf("node init failed: %s: %v", e.NodeID, e.Cause)
}

func (e *NodeInitErr) Unwrap() error { return e.Cause }

func NodeInit(nodeID string, cause error) error {
	return &NodeInitErr{NodeID: nodeID, Cause: cause}
}

// NodeExecutionErr is retried iff the node ID is in retryable_nodes,
// otherwise recorded against the circuit breaker and surfaced.
type NodeExecutionErr struct {
	NodeID string
	Cause  error
}

func (e *NodeExecutionErr) Error() string {
	return fmt.Sprintf("node execution failed: %s: %v", e.NodeID, e.Cause)
}

func (e *NodeExecutionErr) Unwrap() error { return e.Cause }

func NodeExecution(nodeID string, cause error) error {
	return &NodeExecutionErr{NodeID: nodeID, Cause: cause}
}

// CircuitOpenErr is non-retryable until the breaker transitions.
type CircuitOpenErr struct {
	NodeID string
}

func (e *CircuitOpenErr) Error() string {
	return fmt.Sprintf("circuit open for node %s", e.NodeID)
}

func CircuitOpen(nodeID string) error {
	return &CircuitOpenErr{NodeID: nodeID}
}

// TimeoutErr is retried iff the node is retryable; always recorded against
// the circuit breaker.
type TimeoutErr struct {
	NodeID   string
	TimeoutMs int64
}

func (e *TimeoutErr) Error() string {
	return fmt.Sprintf("node %s timed out after %dms", e.NodeID, e.TimeoutMs)
}

func Timeout(nodeID string, timeoutMs int64) error {
	return &TimeoutErr{NodeID: nodeID, TimeoutMs: timeoutMs}
}

// BackendUnavailableErr fails the session and triggers bridge cleanup.
type BackendUnavailableErr struct {
	Backend string
	Reason  string
}

func (e *BackendUnavailableErr) Error() string {
	return fmt.Sprintf("backend unavailable: %s: %s", e.Backend, e.Reason)
}

func BackendUnavailable(backend, reason string) error {
	return &BackendUnavailableErr{Backend: backend, Reason: reason}
}

// TransportClosedErr triggers a graceful session close with a bounded output
// drain.
type TransportClosedErr struct {
	Reason string
}

func (e *TransportClosedErr) Error() string {
	return fmt.Sprintf("transport closed: %s", e.Reason)
}

func TransportClosed(reason string) error {
	return &TransportClosedErr{Reason: reason}
}

// ResourceLimitErr is surfaced, never masked (container OOM, permit
// exhaustion).
type ResourceLimitErr struct {
	Resource string
	Reason   string
}

func (e *ResourceLimitErr) Error() string {
	return fmt.Sprintf("resource limit: %s: %s", e.Resource, e.Reason)
}

func ResourceLimit(resource, reason string) error {
	return &ResourceLimitErr{Resource: resource, Reason: reason}
}
