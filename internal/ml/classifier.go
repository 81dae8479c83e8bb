package ml

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/cvalentine99/honeyclass/internal/logging"
)

// ClassifierParams holds random forest hyperparameters.
type ClassifierParams struct {
	// NEstimators is the number of trees
	NEstimators int `json:"n_estimators"`
	// MaxDepth limits tree depth; 0 means unlimited
	MaxDepth int `json:"max_depth"`
	// MinSamplesSplit is the minimum node size eligible for a split
	MinSamplesSplit int `json:"min_samples_split"`
	// MinSamplesLeaf is the minimum size of either child of a split
	MinSamplesLeaf int `json:"min_samples_leaf"`
	// ClassWeightBalanced reweights classes by n / (k * count)
	ClassWeightBalanced bool `json:"class_weight_balanced"`
	// RandomState seeds bootstrap and feature sampling
	RandomState int64 `json:"random_state"`
	// NJobs bounds concurrent tree training; 0 uses every CPU
	NJobs int `json:"n_jobs"`
}

// DefaultClassifierParams returns default classifier hyperparameters
func DefaultClassifierParams() ClassifierParams {
	return ClassifierParams{
		NEstimators:         100,
		MaxDepth:            20,
		MinSamplesSplit:     5,
		MinSamplesLeaf:      2,
		ClassWeightBalanced: true,
		RandomState:         42,
	}
}

// LabelConfidence is an arg-max label and its probability.
type LabelConfidence struct {
	Label      int     `json:"label"`
	Confidence float64 `json:"confidence"`
}

// FeatureImportance pairs a feature name with its learned importance.
type FeatureImportance struct {
	Name       string  `json:"name"`
	Importance float64 `json:"importance"`
}

// CVResult summarises k-fold cross-validation.
type CVResult struct {
	MeanScore float64   `json:"mean_score"`
	StdScore  float64   `json:"std_score"`
	Scores    []float64 `json:"scores"`
}

// AttackClassifier is a random forest over encoded attack-type labels.
type AttackClassifier struct {
	params ClassifierParams

	mu           sync.RWMutex
	forest       *randomForest
	classes      []int
	featureNames []string
	classNames   []string
	nFeatures    int
	lastMetrics  *ModelMetrics
	fitted       bool

	logger *logging.Logger

	// Statistics (use atomic for lock-free updates)
	predictionCount   atomic.Int64
	totalLatencyNanos atomic.Int64
}

// NewAttackClassifier creates an untrained classifier.
func NewAttackClassifier(params ClassifierParams) *AttackClassifier {
	return &AttackClassifier{
		params: params,
		logger: logging.ModelLogger(),
	}
}

// Params returns the hyperparameters.
func (c *AttackClassifier) Params() ClassifierParams {
	return c.params
}

// Fit trains on X with integer labels y and freezes Classes.
// featureNames may be nil.
func (c *AttackClassifier) Fit(X [][]float64, y []int, featureNames []string) error {
	return c.FitContext(context.Background(), X, y, featureNames)
}

// FitContext is Fit with cancellation between trees.
func (c *AttackClassifier) FitContext(ctx context.Context, X [][]float64, y []int, featureNames []string) error {
	if len(X) == 0 {
		return fmt.Errorf("classifier fit: %w", ErrEmptyDataset)
	}
	if len(X) != len(y) {
		return fmt.Errorf("classifier fit: %d rows but %d labels", len(X), len(y))
	}
	d := len(X[0])
	for i, row := range X {
		if len(row) != d {
			return fmt.Errorf("%w: row %d has %d features, expected %d", ErrFeatureMismatch, i, len(row), d)
		}
	}
	if featureNames != nil && len(featureNames) != d {
		return fmt.Errorf("%w: %d feature names for %d features", ErrFeatureMismatch, len(featureNames), d)
	}

	classes := uniqueSorted(y)
	index := make(map[int]int, len(classes))
	for i, cl := range classes {
		index[cl] = i
	}
	yi := make([]int, len(y))
	for i, v := range y {
		yi[i] = index[v]
	}

	start := time.Now()
	forest, err := trainForest(ctx, X, yi, len(classes), c.params)
	if err != nil {
		return fmt.Errorf("classifier fit: %w", err)
	}

	c.mu.Lock()
	c.forest = forest
	c.classes = classes
	c.featureNames = append([]string(nil), featureNames...)
	c.nFeatures = d
	c.fitted = true
	c.mu.Unlock()

	c.logger.Debug("classifier trained",
		"samples", len(X),
		"features", d,
		"classes", len(classes),
		"trees", c.params.NEstimators,
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func uniqueSorted(y []int) []int {
	seen := make(map[int]struct{})
	for _, v := range y {
		seen[v] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Classes returns the sorted label vocabulary seen at fit time.
func (c *AttackClassifier) Classes() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]int(nil), c.classes...)
}

// NFeatures returns the input width seen at fit time, or 0 when untrained.
func (c *AttackClassifier) NFeatures() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nFeatures
}

// IsFitted reports whether Fit has completed.
func (c *AttackClassifier) IsFitted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fitted
}

// SetClassNames attaches display names for the per-class report.
// names[i] names label i.
func (c *AttackClassifier) SetClassNames(names []string) {
	c.mu.Lock()
	c.classNames = append([]string(nil), names...)
	c.mu.Unlock()
}

func (c *AttackClassifier) checkInput(X [][]float64) error {
	if !c.fitted {
		return ErrNotTrained
	}
	for i, row := range X {
		if len(row) != c.nFeatures {
			return fmt.Errorf("%w: row %d has %d features, model expects %d", ErrFeatureMismatch, i, len(row), c.nFeatures)
		}
	}
	return nil
}

// PredictProba returns one probability row per input, columns ordered as Classes.
func (c *AttackClassifier) PredictProba(X [][]float64) ([][]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkInput(X); err != nil {
		return nil, err
	}

	start := time.Now()
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = c.forest.proba(row)
	}
	c.predictionCount.Add(int64(len(X)))
	c.totalLatencyNanos.Add(time.Since(start).Nanoseconds())
	return out, nil
}

// Predict returns the arg-max label per row.
func (c *AttackClassifier) Predict(X [][]float64) ([]int, error) {
	lc, err := c.PredictWithConfidence(X)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(lc))
	for i, p := range lc {
		out[i] = p.Label
	}
	return out, nil
}

// PredictWithConfidence returns the arg-max label per row and its probability.
// Ties go to the smaller label.
func (c *AttackClassifier) PredictWithConfidence(X [][]float64) ([]LabelConfidence, error) {
	proba, err := c.PredictProba(X)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	classes := c.classes
	c.mu.RUnlock()

	out := make([]LabelConfidence, len(proba))
	for i, row := range proba {
		k := floats.MaxIdx(row)
		out[i] = LabelConfidence{Label: classes[k], Confidence: row[k]}
	}
	return out, nil
}

// Evaluate scores predictions on X against y and remembers the result.
func (c *AttackClassifier) Evaluate(X [][]float64, y []int) (*ModelMetrics, error) {
	if len(X) != len(y) {
		return nil, fmt.Errorf("evaluate: %d rows but %d labels", len(X), len(y))
	}
	pred, err := c.Predict(X)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	names := c.classNames
	c.mu.RUnlock()

	m := computeMetrics(y, pred, func(label int) string {
		if label >= 0 && label < len(names) {
			return names[label]
		}
		return strconv.Itoa(label)
	})

	c.mu.Lock()
	c.lastMetrics = m
	c.mu.Unlock()
	return m, nil
}

// LastMetrics returns the most recent Evaluate result, or nil.
func (c *AttackClassifier) LastMetrics() *ModelMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMetrics
}

// FeatureImportance returns features ranked by importance, highest first.
// Unnamed features are reported as feature_<i>. Empty when untrained.
func (c *AttackClassifier) FeatureImportance() []FeatureImportance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.fitted {
		return []FeatureImportance{}
	}

	out := make([]FeatureImportance, len(c.forest.Importances))
	for i, imp := range c.forest.Importances {
		name := fmt.Sprintf("feature_%d", i)
		if i < len(c.featureNames) {
			name = c.featureNames[i]
		}
		out[i] = FeatureImportance{Name: name, Importance: imp}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	return out
}

// CrossValidate runs stratified k-fold cross-validation scored by weighted F1.
// The receiver is not modified.
func (c *AttackClassifier) CrossValidate(X [][]float64, y []int, cv int) (*CVResult, error) {
	return crossValidate(context.Background(), X, y, cv, c.params)
}

func crossValidate(ctx context.Context, X [][]float64, y []int, cv int, params ClassifierParams) (*CVResult, error) {
	if cv < 2 {
		return nil, fmt.Errorf("cross-validation needs at least 2 folds, got %d", cv)
	}
	if len(X) < cv {
		return nil, fmt.Errorf("cross-validation: %d samples for %d folds", len(X), cv)
	}

	folds := stratifiedFolds(y, cv)
	scores := make([]float64, cv)
	for k := 0; k < cv; k++ {
		var trX, teX [][]float64
		var trY, teY []int
		for i, f := range folds {
			if f == k {
				teX = append(teX, X[i])
				teY = append(teY, y[i])
			} else {
				trX = append(trX, X[i])
				trY = append(trY, y[i])
			}
		}

		model := NewAttackClassifier(params)
		if err := model.FitContext(ctx, trX, trY, nil); err != nil {
			return nil, fmt.Errorf("fold %d: %w", k, err)
		}
		pred, err := model.Predict(teX)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", k, err)
		}
		_, _, scores[k] = weightedPRF(teY, pred)
	}

	mean, std := stat.PopMeanStdDev(scores, nil)
	return &CVResult{MeanScore: mean, StdScore: std, Scores: scores}, nil
}

// stratifiedFolds assigns each sample a fold so that every fold holds
// roughly the same class proportions. Samples of one class are dealt to
// folds in contiguous runs, in input order.
func stratifiedFolds(y []int, k int) []int {
	classes := uniqueSorted(y)
	pos := make(map[int]int, len(classes))
	for i, c := range classes {
		pos[c] = i
	}

	sorted := make([]int, len(y))
	copy(sorted, y)
	sort.Ints(sorted)

	alloc := make([][]int, k)
	for f := 0; f < k; f++ {
		alloc[f] = make([]int, len(classes))
		for i := f; i < len(sorted); i += k {
			alloc[f][pos[sorted[i]]]++
		}
	}

	seq := make([][]int, len(classes))
	for ci := range classes {
		for f := 0; f < k; f++ {
			for n := 0; n < alloc[f][ci]; n++ {
				seq[ci] = append(seq[ci], f)
			}
		}
	}

	folds := make([]int, len(y))
	next := make([]int, len(classes))
	for i, label := range y {
		ci := pos[label]
		folds[i] = seq[ci][next[ci]]
		next[ci]++
	}
	return folds
}

// Stats returns prediction count and mean latency per call.
func (c *AttackClassifier) Stats() (count int64, avgLatency time.Duration) {
	count = c.predictionCount.Load()
	if count > 0 {
		avgLatency = time.Duration(c.totalLatencyNanos.Load() / count)
	}
	return count, avgLatency
}

// =============================================================================
// Persistence
// =============================================================================

type classifierState struct {
	Params       ClassifierParams `json:"params"`
	Forest       *randomForest    `json:"forest,omitempty"`
	Classes      []int            `json:"classes"`
	FeatureNames []string         `json:"feature_names,omitempty"`
	ClassNames   []string         `json:"class_names,omitempty"`
	NFeatures    int              `json:"n_features"`
	LastMetrics  *ModelMetrics    `json:"last_metrics,omitempty"`
	Fitted       bool             `json:"fitted"`
}

func (c *AttackClassifier) state() classifierState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return classifierState{
		Params:       c.params,
		Forest:       c.forest,
		Classes:      c.classes,
		FeatureNames: c.featureNames,
		ClassNames:   c.classNames,
		NFeatures:    c.nFeatures,
		LastMetrics:  c.lastMetrics,
		Fitted:       c.fitted,
	}
}

func classifierFromState(st classifierState) (*AttackClassifier, error) {
	c := NewAttackClassifier(st.Params)
	if st.Fitted {
		if st.Forest == nil || len(st.Forest.Trees) == 0 {
			return nil, fmt.Errorf("%w: fitted classifier without trees", ErrCorruptArtifact)
		}
		if st.Forest.NClasses != len(st.Classes) || st.Forest.NFeatures != st.NFeatures {
			return nil, fmt.Errorf("%w: forest shape disagrees with metadata", ErrCorruptArtifact)
		}
	}
	c.forest = st.Forest
	c.classes = st.Classes
	c.featureNames = st.FeatureNames
	c.classNames = st.ClassNames
	c.nFeatures = st.NFeatures
	c.lastMetrics = st.LastMetrics
	c.fitted = st.Fitted
	return c, nil
}

// Save writes the classifier as a versioned artifact.
func (c *AttackClassifier) Save(path, version string) error {
	return writeArtifact(path, KindClassifier, version, c.state())
}

// LoadClassifier reads a classifier artifact.
func LoadClassifier(path string) (*AttackClassifier, error) {
	var st classifierState
	if _, err := readArtifact(path, KindClassifier, &st); err != nil {
		return nil, err
	}
	return classifierFromState(st)
}
