// Package drift implements the stream-health/drift monitor (spec 4.H),
// grounded line-for-line on original_source's drift_metrics.rs: baseline-
// normalized lead, EMA-smoothed slope, cadence coefficient of variation,
// freeze detection, A/V skew, and six independently hysteresis-gated
// alerts rolled up into a single health score.
package drift

import (
	"math"

	"github.com/sigurn/crc16"

	"github.com/n0remac/streamgraph/config"
)

// fingerprintTable is the CRC-16/XMODEM table used for freeze-detection
// content fingerprints — cheap and streaming, not a cryptographic hash.
var fingerprintTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// FingerprintPayload computes a freeze-detection content fingerprint over a
// video payload (spec 4.H), widened to the uint64 RecordVideoSample expects.
func FingerprintPayload(payload []byte) uint64 {
	return uint64(crc16.Checksum(payload, fingerprintTable))
}

// DefaultBufferSize bounds both the drift-sample ring and the cadence ring.
const DefaultBufferSize = 1000

// DefaultDiscontinuityThresholdUs is the media-timestamp jump that resets
// the baseline (2 seconds).
const DefaultDiscontinuityThresholdUs = 2_000_000

// Alert is a bitmask of the six independently-gated alert conditions.
type Alert uint8

const (
	AlertDriftSlope Alert = 1 << iota
	AlertLeadJump
	AlertAVSkew
	AlertFreeze
	AlertCadenceUnstable
	AlertHealthLow
)

// Has reports whether flag is set in the bitmask.
func (a Alert) Has(flag Alert) bool { return a&flag != 0 }

// clockState is per-stream timing state for baseline normalization.
type clockState struct {
	hasBaseline        bool
	baselineArrivalUs  uint64
	baselineMediaUs    uint64
	hasLast            bool
	lastArrivalUs      uint64
	lastMediaUs        uint64
	discontinuityCount uint32
}

func (c *clockState) resetBaseline() {
	c.hasBaseline = false
	c.hasLast = false
	c.discontinuityCount++
}

// sample is one recorded drift observation.
type sample struct {
	elapsedUs     uint64
	leadUs        int64
	slopeSnapshot float64
}

// alertState is the hysteresis state for one alert condition.
type alertState struct {
	isRaised         bool
	consecutiveCount uint32
	samplesToRaise   uint32
	samplesToClear   uint32
}

func newAlertState(toRaise, toClear uint32) alertState {
	return alertState{samplesToRaise: toRaise, samplesToClear: toClear}
}

// update applies one observation of conditionMet and returns whether the
// raised/cleared state changed.
func (a *alertState) update(conditionMet bool) bool {
	was := a.isRaised
	if a.isRaised {
		if conditionMet {
			a.consecutiveCount = 0
		} else {
			a.consecutiveCount++
			if a.consecutiveCount >= a.samplesToClear {
				a.isRaised = false
				a.consecutiveCount = 0
			}
		}
	} else {
		if conditionMet {
			a.consecutiveCount++
			if a.consecutiveCount >= a.samplesToRaise {
				a.isRaised = true
				a.consecutiveCount = 0
			}
		} else {
			a.consecutiveCount = 0
		}
	}
	return was != a.isRaised
}

type alertStates struct {
	driftSlope, leadJump, avSkew, freeze, cadenceUnstable, healthLow alertState
}

func newAlertStates(toRaise, toClear uint32) alertStates {
	return alertStates{
		driftSlope:      newAlertState(toRaise, toClear),
		leadJump:        newAlertState(toRaise, toClear),
		avSkew:          newAlertState(toRaise, toClear),
		freeze:          newAlertState(toRaise, toClear),
		cadenceUnstable: newAlertState(toRaise, toClear),
		healthLow:       newAlertState(toRaise, toClear),
	}
}

// Metrics is a per-stream health tracker. Not safe for concurrent use by
// multiple goroutines without external synchronization — by spec, one
// driver task owns the stream.
type Metrics struct {
	StreamID   string
	thresholds config.DriftConfig

	clock clockState

	samples    []sample
	bufferSize int

	currentSlope float64

	cadenceBuffer []uint64

	hasContentHash       bool
	lastContentHash      uint64
	identicalHashCount    uint32

	hasLastAudioMedia bool
	lastAudioMediaUs  uint64
	hasLastVideoMedia bool
	lastVideoMediaUs  uint64
	currentAVSkewUs   int64

	alerts alertStates

	hasSessionStart bool
	sessionStartUs  uint64
}

// New constructs a Metrics instance for one stream with the given
// thresholds.
func New(streamID string, thresholds config.DriftConfig) *Metrics {
	return &Metrics{
		StreamID:   streamID,
		thresholds: thresholds,
		bufferSize: DefaultBufferSize,
		alerts:     newAlertStates(uint32(thresholds.SamplesToRaise), uint32(thresholds.SamplesToClear)),
	}
}

// WithDefaults constructs a Metrics instance using config.DefaultDriftConfig().
func WithDefaults(streamID string) *Metrics {
	return New(streamID, config.DefaultDriftConfig())
}

// RecordSample records one (media, arrival, optional content hash)
// observation and returns true if any alert state changed.
func (m *Metrics) RecordSample(mediaTsUs, arrivalTsUs uint64, contentHash uint64, hasContentHash bool) bool {
	if !m.hasSessionStart {
		m.hasSessionStart = true
		m.sessionStartUs = arrivalTsUs
	}

	if m.detectDiscontinuity(mediaTsUs) {
		m.clock.resetBaseline()
		m.clearAlertStates()
	}

	if !m.clock.hasBaseline {
		m.clock.baselineArrivalUs = arrivalTsUs
		m.clock.baselineMediaUs = mediaTsUs
		m.clock.hasBaseline = true
	}

	leadUs := m.calculateLead(mediaTsUs, arrivalTsUs)
	elapsedUs := saturatingSub(arrivalTsUs, m.sessionStartUs)

	m.updateSlope(elapsedUs, leadUs)

	if m.clock.hasLast {
		interval := saturatingSub(mediaTsUs, m.clock.lastMediaUs)
		m.recordCadence(interval)
	}

	if hasContentHash {
		m.updateFreezeDetection(contentHash)
	}

	m.samples = append(m.samples, sample{elapsedUs: elapsedUs, leadUs: leadUs, slopeSnapshot: m.currentSlope})
	if len(m.samples) > m.bufferSize {
		m.samples = m.samples[len(m.samples)-m.bufferSize:]
	}

	m.clock.lastArrivalUs = arrivalTsUs
	m.clock.lastMediaUs = mediaTsUs
	m.clock.hasLast = true

	return m.updateAlerts()
}

// RecordAudioSample records an audio observation for A/V skew tracking,
// then records the general sample.
func (m *Metrics) RecordAudioSample(mediaTsUs, arrivalTsUs uint64) bool {
	m.lastAudioMediaUs = mediaTsUs
	m.hasLastAudioMedia = true
	m.updateAVSkew()
	return m.RecordSample(mediaTsUs, arrivalTsUs, 0, false)
}

// RecordVideoSample records a video observation for A/V skew tracking and
// freeze detection, then records the general sample.
func (m *Metrics) RecordVideoSample(mediaTsUs, arrivalTsUs uint64, contentHash uint64, hasContentHash bool) bool {
	m.lastVideoMediaUs = mediaTsUs
	m.hasLastVideoMedia = true
	m.updateAVSkew()
	return m.RecordSample(mediaTsUs, arrivalTsUs, contentHash, hasContentHash)
}

// RecordVideoFrame fingerprints payload via FingerprintPayload and records a
// video sample, sparing callers from computing the content hash themselves.
func (m *Metrics) RecordVideoFrame(mediaTsUs, arrivalTsUs uint64, payload []byte) bool {
	return m.RecordVideoSample(mediaTsUs, arrivalTsUs, FingerprintPayload(payload), true)
}

func (m *Metrics) calculateLead(mediaTsUs, arrivalTsUs uint64) int64 {
	baselineArrival := arrivalTsUs
	if m.clock.hasBaseline {
		baselineArrival = m.clock.baselineArrivalUs
	}
	baselineMedia := mediaTsUs
	if m.clock.hasBaseline {
		baselineMedia = m.clock.baselineMediaUs
	}
	arrivalDelta := int64(saturatingSub(arrivalTsUs, baselineArrival))
	mediaDelta := int64(saturatingSub(mediaTsUs, baselineMedia))
	return arrivalDelta - mediaDelta
}

func (m *Metrics) detectDiscontinuity(mediaTsUs uint64) bool {
	if !m.clock.hasLast {
		return false
	}
	last := m.clock.lastMediaUs
	if mediaTsUs < last {
		return true
	}
	delta := mediaTsUs - last
	return delta > DefaultDiscontinuityThresholdUs
}

func (m *Metrics) updateSlope(elapsedUs uint64, leadUs int64) {
	if len(m.samples) == 0 {
		return
	}
	lastSample := m.samples[len(m.samples)-1]
	deltaElapsed := saturatingSub(elapsedUs, lastSample.elapsedUs)
	if deltaElapsed == 0 {
		return
	}
	deltaLead := leadUs - lastSample.leadUs
	instantSlope := (float64(deltaLead) / float64(deltaElapsed)) * 1000.0
	alpha := m.thresholds.SlopeEmaAlpha
	m.currentSlope = alpha*instantSlope + (1-alpha)*m.currentSlope
}

func (m *Metrics) recordCadence(intervalUs uint64) {
	m.cadenceBuffer = append(m.cadenceBuffer, intervalUs)
	if len(m.cadenceBuffer) > m.bufferSize {
		m.cadenceBuffer = m.cadenceBuffer[len(m.cadenceBuffer)-m.bufferSize:]
	}
}

func (m *Metrics) updateFreezeDetection(contentHash uint64) {
	if m.hasContentHash {
		if contentHash == m.lastContentHash {
			m.identicalHashCount++
		} else {
			m.identicalHashCount = 0
		}
	}
	m.lastContentHash = contentHash
	m.hasContentHash = true
}

func (m *Metrics) updateAVSkew() {
	if m.hasLastAudioMedia && m.hasLastVideoMedia {
		m.currentAVSkewUs = int64(m.lastVideoMediaUs) - int64(m.lastAudioMediaUs)
	}
}

func (m *Metrics) clearAlertStates() {
	m.alerts = newAlertStates(uint32(m.thresholds.SamplesToRaise), uint32(m.thresholds.SamplesToClear))
}

func (m *Metrics) updateAlerts() bool {
	changed := false

	slopeCondition := math.Abs(m.currentSlope) > m.thresholds.SlopeThresholdMsPerS
	changed = m.alerts.driftSlope.update(slopeCondition) || changed

	leadJumpCondition := false
	if n := len(m.samples); n > 1 {
		jump := absI64(m.samples[n-1].leadUs - m.samples[n-2].leadUs)
		leadJumpCondition = jump > m.thresholds.LeadJumpThresholdUs
	}
	changed = m.alerts.leadJump.update(leadJumpCondition) || changed

	skewCondition := absI64(m.currentAVSkewUs) > m.thresholds.AVSkewThresholdUs
	changed = m.alerts.avSkew.update(skewCondition) || changed

	changed = m.alerts.freeze.update(m.IsFrozen()) || changed

	cadenceCondition := m.CadenceCV() > m.thresholds.CadenceCVThreshold
	changed = m.alerts.cadenceUnstable.update(cadenceCondition) || changed

	healthCondition := m.HealthScore() < m.thresholds.HealthThreshold
	changed = m.alerts.healthLow.update(healthCondition) || changed

	return changed
}

// IsFrozen reports whether content has been frozen: at least 3 consecutive
// identical content hashes, and elapsed-since-baseline-arrival exceeds the
// freeze threshold.
func (m *Metrics) IsFrozen() bool {
	if m.identicalHashCount < 3 {
		return false
	}
	if !m.clock.hasLast || !m.clock.hasBaseline {
		return false
	}
	elapsed := saturatingSub(m.clock.lastArrivalUs, m.clock.baselineArrivalUs)
	return elapsed > uint64(m.thresholds.FreezeThresholdUs)
}

// CadenceCV computes the coefficient of variation of recorded inter-frame
// intervals.
func (m *Metrics) CadenceCV() float64 {
	n := len(m.cadenceBuffer)
	if n < 2 {
		return 0
	}
	var sum uint64
	for _, x := range m.cadenceBuffer {
		sum += x
	}
	mean := float64(sum) / float64(n)
	if mean < 1.0 {
		return 0
	}
	var variance float64
	for _, x := range m.cadenceBuffer {
		diff := float64(x) - mean
		variance += diff * diff
	}
	variance /= float64(n)
	return math.Sqrt(variance) / mean
}

// HealthScore computes the weighted [0,1] health score: slope (max 0.3
// penalty), skew (max 0.2), cadence (max 0.2), freeze (flat 0.3 if frozen).
func (m *Metrics) HealthScore() float64 {
	score := 1.0

	slopePenalty := math.Min(math.Abs(m.currentSlope)/m.thresholds.SlopeThresholdMsPerS, 1.0) * 0.3
	score -= slopePenalty

	skewRatio := float64(absI64(m.currentAVSkewUs)) / float64(m.thresholds.AVSkewThresholdUs)
	skewPenalty := math.Min(skewRatio, 1.0) * 0.2
	score -= skewPenalty

	cadencePenalty := math.Min(m.CadenceCV()/m.thresholds.CadenceCVThreshold, 1.0) * 0.2
	score -= cadencePenalty

	if m.IsFrozen() {
		score -= 0.3
	}

	return math.Max(score, 0.0)
}

// Alerts returns the current active-alert bitmask.
func (m *Metrics) Alerts() Alert {
	var a Alert
	if m.alerts.driftSlope.isRaised {
		a |= AlertDriftSlope
	}
	if m.alerts.leadJump.isRaised {
		a |= AlertLeadJump
	}
	if m.alerts.avSkew.isRaised {
		a |= AlertAVSkew
	}
	if m.alerts.freeze.isRaised {
		a |= AlertFreeze
	}
	if m.alerts.cadenceUnstable.isRaised {
		a |= AlertCadenceUnstable
	}
	if m.alerts.healthLow.isRaised {
		a |= AlertHealthLow
	}
	return a
}

// CurrentLeadUs returns the latest recorded lead value, and whether any
// sample has been recorded yet.
func (m *Metrics) CurrentLeadUs() (int64, bool) {
	if len(m.samples) == 0 {
		return 0, false
	}
	return m.samples[len(m.samples)-1].leadUs, true
}

// CurrentSlopeMsPerS returns the EMA-smoothed slope.
func (m *Metrics) CurrentSlopeMsPerS() float64 { return m.currentSlope }

// DiscontinuityCount returns how many discontinuities have been detected.
func (m *Metrics) DiscontinuityCount() uint32 { return m.clock.discontinuityCount }

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func absI64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
