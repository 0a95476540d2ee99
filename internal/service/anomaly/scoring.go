package anomaly

import (
	"fmt"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/domain/errors"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
)

// methodScore is one scorer's result with per-feature contributions
type methodScore struct {
	score      float64
	perFeature []float64
}

// scoreResult is everything the orchestrator needs from one scoring pass
type scoreResult struct {
	raw RawScores
	z   methodScore
	mad methodScore
}

// ScoringEngine runs the three scorers against a baseline snapshot
type ScoringEngine struct {
	minDataPoints int
	rng           Rand
}

// NewScoringEngine returns an engine that scores 0 below minDataPoints
func NewScoringEngine(minDataPoints int, rng Rand) *ScoringEngine {
	if rng == nil {
		rng = NewRand(0)
	}
	return &ScoringEngine{minDataPoints: minDataPoints, rng: rng}
}

// Score computes raw scores for query. A baseline whose dimension differs from
// the query yields a DimensionMismatch error; a small baseline yields zeros.
func (e *ScoringEngine) Score(snap *Snapshot, query FeatureVector, state *ModelState) (*scoreResult, error) {
	if snap.Len() > 0 && snap.Dim() != query.Dim() {
		return nil, errors.NewDimensionMismatchError(snap.Key, snap.Dim(), query.Dim())
	}
	if snap.Len() < e.minDataPoints || query.Dim() == 0 {
		return &scoreResult{}, nil
	}

	if state == nil {
		state = DefaultModelState(config.DefaultAnomalyConfig().Isolation)
	}

	columns := featureColumns(snap)
	rows := make([][]float64, snap.Len())
	for i, v := range snap.Vectors {
		rows[i] = v.Features
	}

	eps := state.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}

	result := &scoreResult{}
	var g errgroup.Group

	g.Go(guard("zscore", func() error {
		result.z = zScore(columns, query.Features, eps)
		return nil
	}))
	g.Go(guard("mad", func() error {
		result.mad = madScore(columns, query.Features, eps)
		return nil
	}))
	g.Go(guard("isolation", func() error {
		result.raw.IsolationScore = isolationScore(rows, query.Features, state.Isolation, e.rng)
		return nil
	}))

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.raw.ZScore = result.z.score
	result.raw.MADScore = result.mad.score
	return result, nil
}

// guard turns a scorer panic into an error
func guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s scorer panicked: %v", name, r)
			}
		}()
		return fn()
	}
}

func featureColumns(snap *Snapshot) [][]float64 {
	dim := snap.Dim()
	if dim <= 0 {
		return nil
	}
	columns := make([][]float64, dim)
	for i := range columns {
		columns[i] = make([]float64, snap.Len())
	}
	for j, v := range snap.Vectors {
		for i, f := range v.Features {
			columns[i][j] = f
		}
	}
	return columns
}

// zScore is max_i |v_i - mean_i| / max(std_i, eps) using population std
func zScore(columns [][]float64, query []float64, eps float64) methodScore {
	out := methodScore{perFeature: make([]float64, len(query))}
	for i, col := range columns {
		mean, std := stat.PopMeanStdDev(col, nil)
		s := math.Abs(query[i]-mean) / math.Max(std, eps)
		out.perFeature[i] = s
		out.score = math.Max(out.score, s)
	}
	return out
}

// madScore is max_i |v_i - median_i| / max(mad_i, eps)
func madScore(columns [][]float64, query []float64, eps float64) methodScore {
	out := methodScore{perFeature: make([]float64, len(query))}
	for i, col := range columns {
		med, mad := medianMAD(col)
		s := math.Abs(query[i]-med) / math.Max(mad, eps)
		out.perFeature[i] = s
		out.score = math.Max(out.score, s)
	}
	return out
}

// median averages the two middle values for even lengths
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func medianMAD(values []float64) (float64, float64) {
	med := median(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	return med, median(dev)
}

// isolationScore averages depth/MaxDepth over Trials randomized partition
// walks toward the query. Deeper walks score higher.
func isolationScore(rows [][]float64, query []float64, p IsolationParams, rng Rand) float64 {
	n := len(rows)
	if n == 0 || len(query) == 0 || p.Trials <= 0 {
		return 0
	}
	maxDepth := max(p.MaxDepth, 1)
	size := n
	if p.SubsampleSize > 0 {
		size = min(n, p.SubsampleSize)
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	members := make([]int, 0, size)

	total := 0.0
	for t := 0; t < p.Trials; t++ {
		// partial Fisher-Yates: perm[:size] is a uniform sample without replacement
		for i := 0; i < size; i++ {
			j := i + rng.IntN(n-i)
			perm[i], perm[j] = perm[j], perm[i]
		}
		members = append(members[:0], perm[:size]...)
		depth := isolationDepth(rows, members, query, maxDepth, rng)
		total += float64(depth) / float64(maxDepth)
	}
	return total / float64(p.Trials)
}

// isolationDepth narrows members to the query's side of random splits until
// maxDepth, a branch of at most one member, or no feature can be split.
// members is reused as scratch space.
func isolationDepth(rows [][]float64, members []int, query []float64, maxDepth int, rng Rand) int {
	dim := len(query)
	lo := make([]float64, dim)
	hi := make([]float64, dim)
	splittable := make([]int, 0, dim)

	depth := 0
	for depth < maxDepth && len(members) > 1 {
		for f := 0; f < dim; f++ {
			lo[f], hi[f] = math.Inf(1), math.Inf(-1)
		}
		for _, m := range members {
			for f, v := range rows[m] {
				lo[f] = math.Min(lo[f], v)
				hi[f] = math.Max(hi[f], v)
			}
		}

		splittable = splittable[:0]
		for f := 0; f < dim; f++ {
			if hi[f] > lo[f] {
				splittable = append(splittable, f)
			}
		}
		if len(splittable) == 0 {
			break
		}

		f := splittable[rng.IntN(len(splittable))]
		split := lo[f] + rng.Float64()*(hi[f]-lo[f])
		left := query[f] < split

		kept := members[:0]
		for _, m := range members {
			if (rows[m][f] < split) == left {
				kept = append(kept, m)
			}
		}
		members = kept
		depth++
	}
	return depth
}
