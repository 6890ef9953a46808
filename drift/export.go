package drift

import (
	"encoding/json"
	"fmt"
)

// ToPrometheus renders aggregate metrics with no stream_id label, per the
// cardinality guard in spec 4.M. Use DebugJSON for per-stream detail.
func (m *Metrics) ToPrometheus(prefix string) string {
	var out string
	if lead, ok := m.CurrentLeadUs(); ok {
		out += fmt.Sprintf("%s_stream_lead_us{} %d\n", prefix, lead)
	}
	out += fmt.Sprintf("%s_stream_slope_ms_per_s{} %.6f\n", prefix, m.currentSlope)
	out += fmt.Sprintf("%s_stream_av_skew_us{} %d\n", prefix, m.currentAVSkewUs)
	out += fmt.Sprintf("%s_stream_cadence_cv{} %.6f\n", prefix, m.CadenceCV())
	out += fmt.Sprintf("%s_stream_health_score{} %.6f\n", prefix, m.HealthScore())
	out += fmt.Sprintf("%s_stream_discontinuity_count{} %d\n", prefix, m.clock.discontinuityCount)
	out += fmt.Sprintf("%s_stream_alerts_bitmask{} %d\n", prefix, m.Alerts())
	return out
}

// debugSnapshot is the JSON shape for DebugJSON; may include stream_id
// since debug callers scope it explicitly (spec 4.M).
type debugSnapshot struct {
	StreamID           string  `json:"stream_id"`
	LeadUs             *int64  `json:"lead_us,omitempty"`
	SlopeMsPerS        float64 `json:"slope_ms_per_s"`
	AVSkewUs           int64   `json:"av_skew_us"`
	CadenceCV          float64 `json:"cadence_cv"`
	HealthScore        float64 `json:"health_score"`
	DiscontinuityCount uint32  `json:"discontinuity_count"`
	Alerts             uint8   `json:"alerts_bitmask"`
	IsFrozen           bool    `json:"is_frozen"`
}

// DebugJSON renders a per-object snapshot suitable for admin UIs and tests.
func (m *Metrics) DebugJSON() ([]byte, error) {
	var leadPtr *int64
	if lead, ok := m.CurrentLeadUs(); ok {
		leadPtr = &lead
	}
	snap := debugSnapshot{
		StreamID:           m.StreamID,
		LeadUs:             leadPtr,
		SlopeMsPerS:        m.currentSlope,
		AVSkewUs:           m.currentAVSkewUs,
		CadenceCV:          m.CadenceCV(),
		HealthScore:        m.HealthScore(),
		DiscontinuityCount: m.clock.discontinuityCount,
		Alerts:             uint8(m.Alerts()),
		IsFrozen:           m.IsFrozen(),
	}
	return json.Marshal(snap)
}
