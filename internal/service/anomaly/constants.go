package anomaly

// GlobalBaselineKey is the baseline shared by every entity
const GlobalBaselineKey = "global"

// DefaultEpsilon floors std and MAD denominators
const DefaultEpsilon = 1e-9

// Scoring method names reported in TriggeredMethods
const (
	MethodZScore    = "zscore"
	MethodMAD       = "mad"
	MethodIsolation = "isolation"
)

// Metric names
const (
	metricDetection         = "anomaly.detection"
	metricDetections        = "anomaly.detections"
	metricScore             = "anomaly.score"
	metricBaselines         = "anomaly.baselines"
	metricGlobalVectors     = "anomaly.baseline.global_vectors"
	metricPersist           = "anomaly.persist"
	metricRecalibration     = "anomaly.recalibration"
	metricRecalibrations    = "anomaly.recalibrations"
	metricModelMaxDepth     = "anomaly.model.max_depth"
	metricDimensionMismatch = "anomaly.dimension_mismatches"
)
