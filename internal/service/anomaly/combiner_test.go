package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
)

func defaultCombiner() ScoreCombiner {
	cfg := config.DefaultAnomalyConfig()
	return NewScoreCombiner(cfg.Weights, cfg.Thresholds)
}

func TestScoreCombiner_DefaultWeights(t *testing.T) {
	value, _ := defaultCombiner().Combine(RawScores{ZScore: 1, MADScore: 2, IsolationScore: 0.5})
	assert.InDelta(t, 0.3*1+0.3*2+0.4*0.5, value, 1e-12)
}

func TestScoreCombiner_Monotonic(t *testing.T) {
	c := defaultCombiner()
	bases := []RawScores{
		{},
		{ZScore: 1, MADScore: 1, IsolationScore: 0.2},
		{ZScore: 12, MADScore: 0.1, IsolationScore: 0.9},
	}
	steps := []float64{0, 0.001, 0.5, 3, 100}

	bump := map[string]func(RawScores, float64) RawScores{
		"zscore":    func(r RawScores, d float64) RawScores { r.ZScore += d; return r },
		"mad":       func(r RawScores, d float64) RawScores { r.MADScore += d; return r },
		"isolation": func(r RawScores, d float64) RawScores { r.IsolationScore += d; return r },
	}

	for name, fn := range bump {
		t.Run(name, func(t *testing.T) {
			for _, base := range bases {
				prevValue, prevConf := c.Combine(base)
				for _, d := range steps {
					value, conf := c.Combine(fn(base, d))
					assert.GreaterOrEqual(t, value, prevValue)
					assert.GreaterOrEqual(t, conf, prevConf)
					prevValue, prevConf = value, conf
				}
			}
		})
	}
}

func TestScoreCombiner_ConfidenceClamped(t *testing.T) {
	c := defaultCombiner()

	tests := []struct {
		name string
		raw  RawScores
		want float64
	}{
		{"zero", RawScores{}, 0},
		{"half threshold", RawScores{ZScore: 1.5}, 0.5},
		{"at threshold", RawScores{MADScore: 3}, 1},
		{"huge", RawScores{ZScore: 1e12}, 1},
		{"isolation only", RawScores{IsolationScore: 0.6}, 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, conf := c.Combine(tt.raw)
			assert.InDelta(t, tt.want, conf, 1e-12)
			assert.GreaterOrEqual(t, conf, 0.0)
			assert.LessOrEqual(t, conf, 1.0)
		})
	}
}

func TestScoreCombiner_Triggered(t *testing.T) {
	c := defaultCombiner()

	assert.Empty(t, c.Triggered(RawScores{ZScore: 2.9, MADScore: 3.4, IsolationScore: 0.59}))
	assert.Equal(t,
		[]string{MethodZScore, MethodMAD, MethodIsolation},
		c.Triggered(RawScores{ZScore: 3, MADScore: 3.5, IsolationScore: 0.6}))
}

func TestScoreCombiner_Contributing(t *testing.T) {
	c := defaultCombiner()
	res := &scoreResult{
		z:   methodScore{perFeature: []float64{0.5, 3.2, 0.1}},
		mad: methodScore{perFeature: []float64{4.0, 0.2, 0.1}},
	}

	got := c.Contributing([]string{"a", "b", "c"}, res)
	assert.Equal(t, []string{"a", "b"}, got)

	assert.Empty(t, c.Contributing([]string{"a"}, &scoreResult{}))
}
