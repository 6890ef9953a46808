// Package config resolves node params and core configuration keys (spec
// section 6) using gjson for fast field extraction and mergo for merging
// structural overrides (e.g. per-node docker overrides over type defaults).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/imdario/mergo"
	"github.com/n0remac/streamgraph/runtimeerr"
	"github.com/tidwall/gjson"
)

// DecodeParams unmarshals a node's raw JSON params document into the
// map[string]any shape node.Factory expects. Returns nil, nil for an empty
// document.
func DecodeParams(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, runtimeerr.Config("params", err.Error())
	}
	return m, nil
}

// GetString extracts a dotted-path string field from a raw JSON params
// document without a full unmarshal, e.g. GetString(params, "docker.base_image").
func GetString(params []byte, path string) (string, bool) {
	r := gjson.GetBytes(params, path)
	if !r.Exists() {
		return "", false
	}
	return r.String(), true
}

func GetInt(params []byte, path string, def int64) int64 {
	r := gjson.GetBytes(params, path)
	if !r.Exists() {
		return def
	}
	return r.Int()
}

func GetFloat(params []byte, path string, def float64) float64 {
	r := gjson.GetBytes(params, path)
	if !r.Exists() {
		return def
	}
	return r.Float()
}

func GetBool(params []byte, path string, def bool) bool {
	r := gjson.GetBytes(params, path)
	if !r.Exists() {
		return def
	}
	return r.Bool()
}

// MergeOverride merges src's non-zero fields into dst, used for per-node
// docker overrides layered over node-type defaults (spec 4.E selector).
func MergeOverride[T any](dst *T, src T) error {
	return mergo.Merge(dst, src, mergo.WithOverride)
}

// SubstituteEnv replaces ${NAME} and $NAME occurrences with the named
// environment variable's value. A missing variable produces a ConfigError
// naming it (spec section 6). Idempotent once all variables are defined
// (spec section 8: substitute(substitute(s)) == substitute(s)).
func SubstituteEnv(s string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				out.WriteByte(c)
				i++
				continue
			}
			name := s[i+2 : i+2+end]
			val, ok := os.LookupEnv(name)
			if !ok {
				return "", runtimeerr.Config(name, "environment variable not set")
			}
			out.WriteString(val)
			i += 2 + end + 1
			continue
		}
		j := i + 1
		for j < len(s) && isEnvNameByte(s[j]) {
			j++
		}
		if j == i+1 {
			out.WriteByte(c)
			i++
			continue
		}
		name := s[i+1 : j]
		val, ok := os.LookupEnv(name)
		if !ok {
			return "", runtimeerr.Config(name, "environment variable not set")
		}
		out.WriteString(val)
		i = j
	}
	return out.String(), nil
}

func isEnvNameByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// SchedulerConfig mirrors the scheduler keys of spec section 6's
// configuration table.
type SchedulerConfig struct {
	MaxConcurrency          int
	DefaultTimeoutMs        int64
	NodeTimeouts            map[string]int64
	RetryPolicy             RetryPolicy
	RetryableNodes          map[string]bool
	CircuitBreakerThreshold int
}

// RetryPolicy is one of None, Fixed(max, delay), Exponential(max, base,
// multiplier).
type RetryPolicy struct {
	Kind       RetryKind
	MaxRetries int
	Delay      int64 // ms, for Fixed
	BaseDelay  int64 // ms, for Exponential
	Multiplier float64
}

type RetryKind int

const (
	RetryNone RetryKind = iota
	RetryFixed
	RetryExponential
)

// DelayForAttempt returns the backoff delay in milliseconds before the
// given (1-indexed) retry attempt.
func (p RetryPolicy) DelayForAttempt(attempt int) int64 {
	switch p.Kind {
	case RetryFixed:
		return p.Delay
	case RetryExponential:
		delay := float64(p.BaseDelay)
		for i := 1; i < attempt; i++ {
			delay *= p.Multiplier
		}
		return int64(delay)
	default:
		return 0
	}
}

// DefaultSchedulerConfig matches spec section 6's defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrency:          32,
		DefaultTimeoutMs:        30_000,
		NodeTimeouts:            map[string]int64{},
		RetryPolicy:             RetryPolicy{Kind: RetryNone},
		RetryableNodes:          map[string]bool{},
		CircuitBreakerThreshold: 5,
	}
}

// DriftConfig mirrors the drift.* configuration keys.
type DriftConfig struct {
	SlopeThresholdMsPerS float64
	AVSkewThresholdUs    int64
	FreezeThresholdUs    int64
	SamplesToRaise       int
	SamplesToClear       int
	SlopeEmaAlpha        float64
	LeadJumpThresholdUs  int64
	CadenceCVThreshold   float64
	HealthThreshold      float64
}

func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		SlopeThresholdMsPerS: 5.0,
		AVSkewThresholdUs:    80_000,
		FreezeThresholdUs:    500_000,
		SamplesToRaise:       5,
		SamplesToClear:       10,
		SlopeEmaAlpha:        0.1,
		LeadJumpThresholdUs:  100_000,
		CadenceCVThreshold:   0.3,
		HealthThreshold:      0.7,
	}
}

// ValidateConfigKey is a placeholder hook kept symmetrical with the other
// Default* constructors; it returns a ConfigError for unknown top-level
// keys, used by callers that want strict config parsing.
func ValidateConfigKey(key string, known map[string]bool) error {
	if !known[key] {
		return runtimeerr.Config(key, fmt.Sprintf("unrecognized configuration key %q", key))
	}
	return nil
}
