package anomaly

import (
	"math"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
)

// ScoreCombiner merges raw scores into one value and a confidence
type ScoreCombiner struct {
	weights    config.WeightConfig
	thresholds config.ThresholdConfig
}

func NewScoreCombiner(weights config.WeightConfig, thresholds config.ThresholdConfig) ScoreCombiner {
	return ScoreCombiner{weights: weights, thresholds: thresholds}
}

// Combine returns the weighted sum and min(1, max(raw)/zscoreThreshold).
// Weights are non-negative so the value is monotone in every raw score.
func (c ScoreCombiner) Combine(raw RawScores) (value, confidence float64) {
	value = c.weights.ZScore*raw.ZScore +
		c.weights.MADScore*raw.MADScore +
		c.weights.IsolationScore*raw.IsolationScore

	if c.thresholds.ZScore > 0 {
		confidence = raw.Max() / c.thresholds.ZScore
	}
	confidence = math.Min(1, math.Max(0, confidence))
	if math.IsNaN(confidence) {
		confidence = 0
	}
	return value, confidence
}

// IsAnomaly reports whether value crosses the z-score threshold
func (c ScoreCombiner) IsAnomaly(value float64) bool {
	return value >= c.thresholds.ZScore
}

// Triggered lists the methods whose raw score met its own threshold
func (c ScoreCombiner) Triggered(raw RawScores) []string {
	methods := []string{}
	if raw.ZScore >= c.thresholds.ZScore {
		methods = append(methods, MethodZScore)
	}
	if raw.MADScore >= c.thresholds.MADScore {
		methods = append(methods, MethodMAD)
	}
	if raw.IsolationScore >= c.thresholds.IsolationScore {
		methods = append(methods, MethodIsolation)
	}
	return methods
}

// Contributing lists labels whose z or MAD contribution meets its threshold
func (c ScoreCombiner) Contributing(labels []string, res *scoreResult) []string {
	out := []string{}
	for i, label := range labels {
		var z, m float64
		if i < len(res.z.perFeature) {
			z = res.z.perFeature[i]
		}
		if i < len(res.mad.perFeature) {
			m = res.mad.perFeature[i]
		}
		if z >= c.thresholds.ZScore || m >= c.thresholds.MADScore {
			out = append(out, label)
		}
	}
	return out
}
