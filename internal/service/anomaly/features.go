package anomaly

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/cast"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
)

// Feature family names, in extraction order
const (
	FamilyLogin    = "login"
	FamilyRequest  = "request"
	FamilyBehavior = "behavior"
	FamilySystem   = "system"
)

type featureSpec struct {
	name string
	// fallback supplies the value when the event carries no field for it
	fallback func(Event) float64
}

type featureFamily struct {
	name     string
	features []featureSpec
}

var featureFamilies = []featureFamily{
	{
		name: FamilyLogin,
		features: []featureSpec{
			{name: "hour_of_day", fallback: func(e Event) float64 { return float64(e.Timestamp.UTC().Hour()) }},
			{name: "day_of_week", fallback: func(e Event) float64 { return float64(e.Timestamp.UTC().Weekday()) }},
			{name: "success"},
			{name: "failed_attempts"},
			{name: "new_device"},
			{name: "new_location"},
		},
	},
	{
		name: FamilyRequest,
		features: []featureSpec{
			{name: "rate_per_minute"},
			{name: "payload_bytes"},
			{name: "response_time_ms"},
			{name: "error_rate"},
			{name: "distinct_endpoints"},
		},
	},
	{
		name: FamilyBehavior,
		features: []featureSpec{
			{name: "action", fallback: func(e Event) float64 { return hashString(e.Action) }},
			{name: "session_duration_s"},
			{name: "actions_per_session"},
			{name: "privileged"},
		},
	},
	{
		name: FamilySystem,
		features: []featureSpec{
			{name: "cpu_usage"},
			{name: "memory_usage"},
			{name: "network_bytes"},
			{name: "error_count"},
		},
	},
}

// FeatureExtractor turns events into fixed-order feature vectors
type FeatureExtractor struct {
	families []featureFamily
	labels   []string
}

// NewFeatureExtractor enables the families selected by toggles
func NewFeatureExtractor(toggles config.FeatureToggles) *FeatureExtractor {
	enabled := map[string]bool{
		FamilyLogin:    toggles.LoginPatterns,
		FamilyRequest:  toggles.RequestPatterns,
		FamilyBehavior: toggles.UserBehavior,
		FamilySystem:   toggles.SystemMetrics,
	}

	x := &FeatureExtractor{}
	for _, fam := range featureFamilies {
		if !enabled[fam.name] {
			continue
		}
		x.families = append(x.families, fam)
		for _, f := range fam.features {
			x.labels = append(x.labels, fam.name+"."+f.name)
		}
	}
	return x
}

// Labels returns the feature labels in vector order
func (x *FeatureExtractor) Labels() []string {
	return append([]string(nil), x.labels...)
}

// Extract builds the vector for event. A field that cannot be coerced to a
// finite number fails the whole extraction.
func (x *FeatureExtractor) Extract(event Event) (FeatureVector, error) {
	vec := FeatureVector{
		Timestamp: event.Timestamp,
		Features:  make([]float64, 0, len(x.labels)),
		Labels:    x.Labels(),
	}

	for _, fam := range x.families {
		for _, f := range fam.features {
			label := fam.name + "." + f.name
			raw, ok := lookupField(event.Fields, label, f.name)

			var (
				v   float64
				err error
			)
			switch {
			case ok:
				v, err = coerce(raw)
				if err != nil {
					return FeatureVector{}, fmt.Errorf("feature %s: %w", label, err)
				}
			case f.fallback != nil:
				v = f.fallback(event)
			}
			vec.Features = append(vec.Features, v)
		}
	}

	return vec, nil
}

// lookupField prefers the fully qualified label over the short name
func lookupField(fields map[string]interface{}, label, name string) (interface{}, bool) {
	if v, ok := fields[label]; ok {
		return v, true
	}
	v, ok := fields[name]
	return v, ok
}

// coerce converts a field value to a float. Strings that do not parse to a
// finite number are categorical and hash into [0,1).
func coerce(raw interface{}) (float64, error) {
	switch t := raw.(type) {
	case time.Duration:
		return t.Seconds(), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, nil
		}
		if v, err := cast.ToFloat64E(s); err == nil && isFinite(v) {
			return v, nil
		}
		return hashString(s), nil
	}

	v, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, fmt.Errorf("unsupported value: %w", err)
	}
	if !isFinite(v) {
		return 0, fmt.Errorf("non-finite value %v", v)
	}
	return v, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// hashString maps a categorical value to [0,1)
func hashString(s string) float64 {
	if s == "" {
		return 0
	}
	return float64(xxhash.Sum64String(s)>>11) / (1 << 53)
}
