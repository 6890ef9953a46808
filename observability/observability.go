// Package observability exports the aggregate Prometheus surface and the
// cardinality-safe per-object JSON debug surface (spec 4.M) for schedulers
// and drift monitors. Aggregate metrics never carry per-stream labels,
// matching spec 4.M's cardinality guard; stream-identifying detail is
// JSON-only and lives on a debug-only code path that callers opt into
// explicitly.
package observability

import (
	"encoding/json"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/n0remac/streamgraph/drift"
	"github.com/n0remac/streamgraph/scheduler"
)

// Registry aggregates every component's text and JSON export surface for
// one runtime process. Safe for concurrent registration and export.
type Registry struct {
	mu          sync.RWMutex
	schedulers  map[string]*scheduler.Scheduler // keyed by session id
	streams     map[string]*drift.Metrics       // keyed by session_id + "/" + stream_id
	promHandler *prometheus.Registry
}

// New constructs an empty Registry with its own prometheus.Registry (not
// the global default, so tests don't collide with other packages'
// collectors).
func New() *Registry {
	return &Registry{
		schedulers:  make(map[string]*scheduler.Scheduler),
		streams:     make(map[string]*drift.Metrics),
		promHandler: prometheus.NewRegistry(),
	}
}

// RegisterScheduler attaches a session's scheduler under sessionID. Calling
// again with the same sessionID replaces the prior registration (session
// restart); it is not an error.
func (r *Registry) RegisterScheduler(sessionID string, s *scheduler.Scheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedulers[sessionID] = s
}

// UnregisterScheduler removes a session's scheduler, called on session
// close so its metrics stop being exported.
func (r *Registry) UnregisterScheduler(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schedulers, sessionID)
}

// RegisterStream attaches a stream's drift monitor under a
// "sessionID/streamID" key, used by DebugJSON's per-stream detail (never by
// the aggregate Prometheus surface, per the cardinality guard).
func (r *Registry) RegisterStream(sessionID, streamID string, m *drift.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[sessionID+"/"+streamID] = m
}

// UnregisterStream removes a stream's drift monitor.
func (r *Registry) UnregisterStream(sessionID, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, sessionID+"/"+streamID)
}

// PrometheusText renders the aggregate text-exposition surface: every
// registered scheduler's counters/gauges/histogram quantiles, plus every
// stream's aggregate drift gauges with no stream_id label (spec 4.M).
func (r *Registry) PrometheusText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out string
	for _, s := range r.schedulers {
		out += s.ToPrometheus()
	}
	for _, m := range r.streams {
		out += m.ToPrometheus("streamgraph_drift")
	}
	return out
}

// debugSnapshot is the per-object JSON shape for the admin/debug surface.
// Unlike PrometheusText, it may carry stream_id because the caller scoping
// a debug request already knows which stream it asked for.
type debugSnapshot struct {
	Schedulers map[string]map[string]scheduler.NodeStats `json:"schedulers"`
	Streams    map[string]json.RawMessage                `json:"streams"`
}

// DebugJSON renders the per-object snapshot used by admin UIs and tests.
func (r *Registry) DebugJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := debugSnapshot{
		Schedulers: make(map[string]map[string]scheduler.NodeStats, len(r.schedulers)),
		Streams:    make(map[string]json.RawMessage, len(r.streams)),
	}
	for sessionID, s := range r.schedulers {
		snap.Schedulers[sessionID] = s.GetAllNodeStats()
	}
	for key, m := range r.streams {
		raw, err := m.DebugJSON()
		if err != nil {
			continue
		}
		snap.Streams[key] = raw
	}
	return json.Marshal(snap)
}

// PromRegistry exposes the underlying prometheus.Registry so callers can
// additionally register native prometheus.Collector instances (e.g. the
// gRPC transport's go-grpc-prometheus interceptor metrics) alongside the
// hand-rendered text above, then serve both through promhttp.
func (r *Registry) PromRegistry() *prometheus.Registry {
	return r.promHandler
}
