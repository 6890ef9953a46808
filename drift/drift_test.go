package drift

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/n0remac/streamgraph/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriftThresholdsDefault(t *testing.T) {
	th := config.DefaultDriftConfig()
	assert.Equal(t, 5.0, th.SlopeThresholdMsPerS)
	assert.Equal(t, int64(80_000), th.AVSkewThresholdUs)
	assert.Equal(t, 5, th.SamplesToRaise)
	assert.Equal(t, 10, th.SamplesToClear)
}

func TestAlertStateHysteresis(t *testing.T) {
	state := newAlertState(3, 5)

	assert.False(t, state.update(true))
	assert.False(t, state.isRaised)
	assert.False(t, state.update(true))
	assert.False(t, state.isRaised)

	assert.True(t, state.update(true))
	assert.True(t, state.isRaised)

	assert.False(t, state.update(false))
	assert.False(t, state.update(false))
	assert.False(t, state.update(false))
	assert.False(t, state.update(false))
	assert.True(t, state.isRaised)

	assert.True(t, state.update(false))
	assert.False(t, state.isRaised)
}

func TestDriftMetricsCreation(t *testing.T) {
	m := WithDefaults("test_stream")
	assert.Equal(t, "test_stream", m.StreamID)
	assert.Empty(t, m.samples)
	assert.Equal(t, 1.0, m.HealthScore())
}

func TestLeadCalculationBaselineNormalized(t *testing.T) {
	m := WithDefaults("test")

	m.RecordSample(1000, 2000, 0, false)

	m.RecordSample(2000, 3000, 0, false)
	lead, ok := m.CurrentLeadUs()
	require.True(t, ok)
	assert.Equal(t, int64(0), lead)

	m.RecordSample(3000, 4500, 0, false)
	lead, ok = m.CurrentLeadUs()
	require.True(t, ok)
	assert.Equal(t, int64(500), lead)
}

func TestDiscontinuityDetection(t *testing.T) {
	m := WithDefaults("test")

	m.RecordSample(1_000_000, 1_000_000, 0, false)
	m.RecordSample(2_000_000, 2_000_000, 0, false)
	assert.Equal(t, uint32(0), m.DiscontinuityCount())

	m.RecordSample(10_000_000, 3_000_000, 0, false)
	assert.Equal(t, uint32(1), m.DiscontinuityCount())
}

func TestCadenceCVCalculation(t *testing.T) {
	m := WithDefaults("test")

	for i := uint64(0); i < 10; i++ {
		m.RecordSample(i*33_333, i*33_333, 0, false)
	}

	cv := m.CadenceCV()
	assert.Lessf(t, cv, 0.1, "CV should be low for uniform cadence: %v", cv)
}

func TestFreezeDetection(t *testing.T) {
	m := WithDefaults("test")

	hash := uint64(12345)
	for i := uint64(0); i < 10; i++ {
		m.RecordSample(i*100_000, i*100_000, hash, true)
	}

	assert.True(t, m.IsFrozen(), "should detect freeze with identical content")
}

func TestHealthScoreDegradation(t *testing.T) {
	m := WithDefaults("test")
	assert.Equal(t, 1.0, m.HealthScore())

	for i := uint64(0); i < 20; i++ {
		mediaTs := i * 100_000
		arrivalTs := i*100_000 + i*1000
		m.RecordSample(mediaTs, arrivalTs, 0, false)
	}

	health := m.HealthScore()
	assert.Lessf(t, health, 1.0, "health should degrade with drift: %v", health)
}

func TestAVSkewTracking(t *testing.T) {
	m := WithDefaults("test")

	m.RecordAudioSample(1_000_000, 1_000_000)
	m.RecordVideoSample(1_050_000, 1_050_000, 0, false)

	assert.Equal(t, int64(50_000), m.currentAVSkewUs)
}

func TestPrometheusExport(t *testing.T) {
	m := WithDefaults("test")
	m.RecordSample(1000, 2000, 0, false)

	prom := m.ToPrometheus("pipeline")
	assert.True(t, strings.Contains(prom, "pipeline_stream_lead_us"))
	assert.True(t, strings.Contains(prom, "pipeline_stream_slope_ms_per_s"))
	assert.True(t, strings.Contains(prom, "pipeline_stream_health_score"))
}

func TestDebugJSONExport(t *testing.T) {
	m := WithDefaults("test_stream")
	m.RecordSample(1000, 2000, 0, false)

	raw, err := m.DebugJSON()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "test_stream", doc["stream_id"])
	_, isNumber := doc["health_score"].(float64)
	assert.True(t, isNumber)
}

func TestFingerprintPayloadIsStable(t *testing.T) {
	payload := []byte("same frame bytes")
	assert.Equal(t, FingerprintPayload(payload), FingerprintPayload(payload))
	assert.NotEqual(t, FingerprintPayload(payload), FingerprintPayload([]byte("different bytes")))
}

func TestRecordVideoFrameDetectsFreezeFromPayload(t *testing.T) {
	m := WithDefaults("test")
	frozenFrame := []byte("frozen pixel buffer")

	for i := uint64(0); i < 10; i++ {
		m.RecordVideoFrame(i*100_000, i*100_000, frozenFrame)
	}

	assert.True(t, m.IsFrozen(), "should detect freeze from repeated identical payload fingerprints")
}
