package anomaly

import "time"

// Event is a raw security-relevant event for one entity. Fields carry
// family-specific values keyed by feature name ("failed_attempts") or full
// label ("login.failed_attempts").
type Event struct {
	EntityID  string                 `json:"entityId"`
	Action    string                 `json:"action,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// FeatureVector is a fixed-order numeric encoding of an event.
// len(Features) == len(Labels).
type FeatureVector struct {
	Timestamp time.Time `json:"timestamp"`
	Features  []float64 `json:"features"`
	Labels    []string  `json:"labels"`
}

// Dim returns the number of features
func (v FeatureVector) Dim() int {
	return len(v.Features)
}

// Snapshot is an immutable view of one baseline. Callers must not modify
// Vectors or the slices inside them.
type Snapshot struct {
	Key     string
	Vectors []FeatureVector
}

// Len returns the number of vectors, safe on a nil snapshot
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Vectors)
}

// Dim returns the baseline dimensionality, or -1 when it is empty
func (s *Snapshot) Dim() int {
	if s.Len() == 0 {
		return -1
	}
	return s.Vectors[0].Dim()
}

// AnomalyScore is the result of one detection call
type AnomalyScore struct {
	ID                   string          `json:"id"`
	EntityID             string          `json:"entityId"`
	Timestamp            time.Time       `json:"timestamp"`
	Value                float64         `json:"value"`
	Confidence           float64         `json:"confidence"`
	IsAnomaly            bool            `json:"isAnomaly"`
	ContributingFeatures []string        `json:"contributingFeatures"`
	TriggeredMethods     []string        `json:"triggeredMethods"`
	RawScores            RawScores       `json:"rawScores"`
	BaselineKey          string          `json:"baselineKey"`
	BaselineSummary      BaselineSummary `json:"baselineSummary"`
}

// RawScores holds the per-method scores before combination
type RawScores struct {
	ZScore         float64 `json:"zScore"`
	MADScore       float64 `json:"madScore"`
	IsolationScore float64 `json:"isolationScore"`
}

// Max returns the largest raw score
func (r RawScores) Max() float64 {
	return max(r.ZScore, r.MADScore, r.IsolationScore)
}

// BaselineSummary describes the baseline a score was computed against
type BaselineSummary struct {
	Key             string         `json:"key"`
	Count           int            `json:"count"`
	Start           time.Time      `json:"start,omitempty"`
	End             time.Time      `json:"end,omitempty"`
	ShortTermCount  int            `json:"shortTermCount"`
	MediumTermCount int            `json:"mediumTermCount"`
	Features        []FeatureStats `json:"features"`
}

// FeatureStats are the central tendency and spread of one feature
type FeatureStats struct {
	Label  string  `json:"label"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Median float64 `json:"median"`
	MAD    float64 `json:"mad"`
}

// IsolationParams tune the isolation-style scorer
type IsolationParams struct {
	MaxDepth      int `json:"maxDepth"`
	SubsampleSize int `json:"subsampleSize"`
	Trials        int `json:"trials"`
}

// ModelState is the scorer parameter set published by the recalibrator
type ModelState struct {
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Isolation IsolationParams `json:"isolation"`
	Epsilon   float64         `json:"epsilon"`
}

// AnomalyStats is the aggregate view returned by GetAnomalyStats
type AnomalyStats struct {
	TotalDetections   int64              `json:"totalDetections"`
	AverageScore      float64            `json:"averageScore"`
	FeatureImportance map[string]float64 `json:"featureImportance"`
	RecentAnomalies   []AnomalyRecord    `json:"recentAnomalies"`
}

// AnomalyRecord is a compact entry for a flagged detection
type AnomalyRecord struct {
	ID                   string    `json:"id"`
	EntityID             string    `json:"entityId"`
	Timestamp            time.Time `json:"timestamp"`
	Value                float64   `json:"value"`
	Confidence           float64   `json:"confidence"`
	ContributingFeatures []string  `json:"contributingFeatures"`
}
