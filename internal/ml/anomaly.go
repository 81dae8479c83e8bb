package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cvalentine99/honeyclass/internal/logging"
)

const eulerGamma = 0.5772156649015329

// thresholdPercentile places the custom anomaly threshold at the bottom
// decile of training scores.
const thresholdPercentile = 10.0

// AnomalyParams holds isolation forest parameters.
type AnomalyParams struct {
	// NEstimators is the number of isolation trees
	NEstimators int `json:"n_estimators"`
	// MaxSamples is the subsample size per tree; 0 means min(256, n)
	MaxSamples int `json:"max_samples"`
	// Contamination is the expected anomaly proportion; it sets the
	// model's own decision offset used by Predict
	Contamination float64 `json:"contamination"`
	// RandomState seeds subsampling and splits
	RandomState int64 `json:"random_state"`
	// NJobs bounds concurrent tree building; 0 uses every CPU
	NJobs int `json:"n_jobs"`
}

// DefaultAnomalyParams returns default isolation forest parameters
func DefaultAnomalyParams() AnomalyParams {
	return AnomalyParams{
		NEstimators:   100,
		Contamination: 0.1,
		RandomState:   42,
	}
}

// AnomalyScore is the per-row output of AnomalyScores.
type AnomalyScore struct {
	Score      float64 `json:"anomaly_score"`
	IsAnomaly  bool    `json:"is_anomaly"`
	Confidence float64 `json:"confidence"`
}

// =============================================================================
// Isolation Tree
// =============================================================================

type isoNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Size      int     `json:"n,omitempty"` // leaf sample count
}

type isoTree struct {
	Nodes []isoNode `json:"nodes"`
}

// averagePathLength is c(n), the mean path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

type isoBuilder struct {
	X        [][]float64
	maxDepth int
	rng      *rand.Rand
	nodes    []isoNode
}

func (b *isoBuilder) build(idx []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, isoNode{Feature: -1, Size: len(idx)})
	if depth >= b.maxDepth || len(idx) <= 1 {
		return id
	}

	// Try features in random order until one is not constant in this node.
	d := len(b.X[0])
	for _, f := range b.rng.Perm(d) {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.X[i][f]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if lo == hi {
			continue
		}

		thr := lo + b.rng.Float64()*(hi-lo)
		var li, ri []int
		for _, i := range idx {
			if b.X[i][f] < thr {
				li = append(li, i)
			} else {
				ri = append(ri, i)
			}
		}
		if len(li) == 0 || len(ri) == 0 {
			continue
		}
		left := b.build(li, depth+1)
		right := b.build(ri, depth+1)
		b.nodes[id] = isoNode{Feature: f, Threshold: thr, Left: left, Right: right}
		return id
	}
	return id
}

func (t *isoTree) pathLength(row []float64) float64 {
	i, depth := 0, 0
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return float64(depth) + averagePathLength(n.Size)
		}
		if row[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// =============================================================================
// Anomaly Detector
// =============================================================================

// AnomalyDetector is an isolation forest with two decision rules:
// Predict uses the model offset derived from Contamination, while
// IsAnomaly and AnomalyScores use the fitted 10th-percentile threshold.
// The two can disagree on the same row.
type AnomalyDetector struct {
	params AnomalyParams

	mu         sync.RWMutex
	trees      []isoTree
	sampleSize int
	nFeatures  int
	offset     float64
	threshold  float64
	fitted     bool

	logger *logging.Logger
}

// NewAnomalyDetector creates an untrained detector.
func NewAnomalyDetector(params AnomalyParams) *AnomalyDetector {
	return &AnomalyDetector{
		params: params,
		logger: logging.ModelLogger(),
	}
}

// Fit builds the forest and fixes both decision boundaries from the
// training scores.
func (a *AnomalyDetector) Fit(X [][]float64) error {
	return a.FitContext(context.Background(), X)
}

// FitContext is Fit with cancellation between trees.
func (a *AnomalyDetector) FitContext(ctx context.Context, X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("anomaly fit: %w", ErrEmptyDataset)
	}
	n, d := len(X), len(X[0])
	for i, row := range X {
		if len(row) != d {
			return fmt.Errorf("%w: row %d has %d features, expected %d", ErrFeatureMismatch, i, len(row), d)
		}
	}

	psi := a.params.MaxSamples
	if psi <= 0 {
		psi = min(256, n)
	}
	psi = min(psi, n)
	maxDepth := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	start := time.Now()
	trees := make([]isoTree, a.params.NEstimators)

	jobs := a.params.NJobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for t := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(uint64(a.params.RandomState), uint64(t)))
			idx := rng.Perm(n)[:psi]
			b := &isoBuilder{X: X, maxDepth: maxDepth, rng: rng}
			b.build(idx, 0)
			trees[t] = isoTree{Nodes: b.nodes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("anomaly fit: %w", err)
	}

	a.mu.Lock()
	a.trees = trees
	a.sampleSize = psi
	a.nFeatures = d
	a.fitted = true
	a.mu.Unlock()

	scores, err := a.ScoreSamples(X)
	if err != nil {
		return err
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)

	a.mu.Lock()
	a.offset = percentile(sorted, 100*a.params.Contamination)
	a.threshold = percentile(sorted, thresholdPercentile)
	a.mu.Unlock()

	a.logger.Debug("anomaly detector trained",
		"samples", n,
		"sample_size", psi,
		"threshold", a.threshold,
		"offset", a.offset,
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (a *AnomalyDetector) checkInput(X [][]float64) error {
	if !a.fitted {
		return ErrNotTrained
	}
	for i, row := range X {
		if len(row) != a.nFeatures {
			return fmt.Errorf("%w: row %d has %d features, model expects %d", ErrFeatureMismatch, i, len(row), a.nFeatures)
		}
	}
	return nil
}

// ScoreSamples returns -2^(-E[h(x)]/c(psi)) per row. Lower is more anomalous.
func (a *AnomalyDetector) ScoreSamples(X [][]float64) ([]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.checkInput(X); err != nil {
		return nil, err
	}

	norm := averagePathLength(a.sampleSize)
	out := make([]float64, len(X))
	for i, row := range X {
		var sum float64
		for t := range a.trees {
			sum += a.trees[t].pathLength(row)
		}
		mean := sum / float64(len(a.trees))
		if norm == 0 {
			out[i] = -1
			continue
		}
		out[i] = -math.Pow(2, -mean/norm)
	}
	return out, nil
}

// Predict labels rows +1 (normal) or -1 (anomaly) using the model offset.
func (a *AnomalyDetector) Predict(X [][]float64) ([]int, error) {
	scores, err := a.ScoreSamples(X)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	offset := a.offset
	a.mu.RUnlock()

	out := make([]int, len(scores))
	for i, s := range scores {
		out[i] = 1
		if s-offset < 0 {
			out[i] = -1
		}
	}
	return out, nil
}

// IsAnomaly applies the fitted threshold: a score strictly below it is anomalous.
func (a *AnomalyDetector) IsAnomaly(X [][]float64) ([]bool, error) {
	results, err := a.AnomalyScores(X)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(results))
	for i, r := range results {
		out[i] = r.IsAnomaly
	}
	return out, nil
}

// AnomalyScores returns score, threshold flag and |score - threshold| per row.
func (a *AnomalyDetector) AnomalyScores(X [][]float64) ([]AnomalyScore, error) {
	scores, err := a.ScoreSamples(X)
	if err != nil {
		return nil, err
	}
	thr := a.Threshold()

	out := make([]AnomalyScore, len(scores))
	for i, s := range scores {
		out[i] = AnomalyScore{
			Score:      s,
			IsAnomaly:  s < thr,
			Confidence: math.Abs(s - thr),
		}
	}
	return out, nil
}

// Threshold returns the fitted 10th-percentile score.
func (a *AnomalyDetector) Threshold() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.threshold
}

// Offset returns the model decision offset used by Predict.
func (a *AnomalyDetector) Offset() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.offset
}

// NFeatures returns the input width seen at fit time, or 0 when untrained.
func (a *AnomalyDetector) NFeatures() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nFeatures
}

// IsFitted reports whether Fit has completed.
func (a *AnomalyDetector) IsFitted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fitted
}

// percentile computes the p-th percentile of sorted data by linear
// interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	index := (p / 100.0) * float64(len(sorted)-1)
	lower := int(index)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// =============================================================================
// Persistence
// =============================================================================

type anomalyState struct {
	Params     AnomalyParams `json:"params"`
	Trees      []isoTree     `json:"trees,omitempty"`
	SampleSize int           `json:"sample_size"`
	NFeatures  int           `json:"n_features"`
	Offset     float64       `json:"offset"`
	Threshold  float64       `json:"threshold"`
	Fitted     bool          `json:"fitted"`
}

// Save writes the detector as a versioned artifact.
func (a *AnomalyDetector) Save(path, version string) error {
	a.mu.RLock()
	st := anomalyState{
		Params:     a.params,
		Trees:      a.trees,
		SampleSize: a.sampleSize,
		NFeatures:  a.nFeatures,
		Offset:     a.offset,
		Threshold:  a.threshold,
		Fitted:     a.fitted,
	}
	a.mu.RUnlock()
	return writeArtifact(path, KindAnomalyDetector, version, st)
}

// LoadAnomalyDetector reads a detector artifact.
func LoadAnomalyDetector(path string) (*AnomalyDetector, error) {
	var st anomalyState
	if _, err := readArtifact(path, KindAnomalyDetector, &st); err != nil {
		return nil, err
	}
	if st.Fitted && len(st.Trees) == 0 {
		return nil, fmt.Errorf("%w: fitted detector without trees", ErrCorruptArtifact)
	}
	a := NewAnomalyDetector(st.Params)
	a.trees = st.Trees
	a.sampleSize = st.SampleSize
	a.nFeatures = st.NFeatures
	a.offset = st.Offset
	a.threshold = st.Threshold
	a.fitted = st.Fitted
	return a, nil
}
