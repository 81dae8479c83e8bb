package ml

import (
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blobs returns perClass points around one centre per class.
func blobs(perClass, classes, dims int, seed uint64) ([][]float64, []int) {
	rng := rand.New(rand.NewPCG(seed, 1))
	var X [][]float64
	var y []int
	for c := 0; c < classes; c++ {
		for i := 0; i < perClass; i++ {
			row := make([]float64, dims)
			for d := range row {
				row[d] = rng.NormFloat64() * 0.5
			}
			row[c%dims] += 5
			X = append(X, row)
			y = append(y, c)
		}
	}
	return X, y
}

func smallParams() ClassifierParams {
	p := DefaultClassifierParams()
	p.NEstimators = 15
	return p
}

func TestAttackClassifier_NotTrained(t *testing.T) {
	clf := NewAttackClassifier(DefaultClassifierParams())
	X := [][]float64{{1, 2, 3}}

	_, err := clf.Predict(X)
	assert.ErrorIs(t, err, ErrNotTrained)
	_, err = clf.PredictProba(X)
	assert.ErrorIs(t, err, ErrNotTrained)
	_, err = clf.PredictWithConfidence(X)
	assert.ErrorIs(t, err, ErrNotTrained)
	assert.Empty(t, clf.FeatureImportance())
	assert.False(t, clf.IsFitted())
}

func TestAttackClassifier_FitPredict(t *testing.T) {
	X, y := blobs(40, 3, 4, 7)
	for i := range y {
		y[i] = y[i]*10 + 5 // non-contiguous labels
	}

	clf := NewAttackClassifier(smallParams())
	require.NoError(t, clf.Fit(X, y, nil))

	assert.Equal(t, []int{5, 15, 25}, clf.Classes())
	assert.Equal(t, 4, clf.NFeatures())

	m, err := clf.Evaluate(X, y)
	require.NoError(t, err)
	assert.Greater(t, m.Accuracy, 0.95)
	assert.Greater(t, m.F1, 0.95)
	assert.Equal(t, []int{5, 15, 25}, m.Labels)
	assert.Contains(t, m.ClassificationReport, "weighted avg")
	assert.Same(t, m, clf.LastMetrics())

	_, err = clf.Predict([][]float64{{1, 2}})
	assert.True(t, errors.Is(err, ErrFeatureMismatch))
}

func TestAttackClassifier_ConfidenceIsMaxProba(t *testing.T) {
	X, y := blobs(30, 3, 3, 11)
	clf := NewAttackClassifier(smallParams())
	require.NoError(t, clf.Fit(X, y, nil))

	proba, err := clf.PredictProba(X)
	require.NoError(t, err)
	lc, err := clf.PredictWithConfidence(X)
	require.NoError(t, err)

	for i := range X {
		maxP := 0.0
		var sum float64
		for _, p := range proba[i] {
			maxP = max(maxP, p)
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
		assert.GreaterOrEqual(t, lc[i].Confidence, 0.0)
		assert.LessOrEqual(t, lc[i].Confidence, 1.0)
		assert.Equal(t, maxP, lc[i].Confidence)
	}
}

func TestAttackClassifier_Deterministic(t *testing.T) {
	X, y := blobs(20, 2, 3, 3)
	a := NewAttackClassifier(smallParams())
	b := NewAttackClassifier(smallParams())
	require.NoError(t, a.Fit(X, y, nil))
	require.NoError(t, b.Fit(X, y, nil))

	pa, err := a.PredictProba(X)
	require.NoError(t, err)
	pb, err := b.PredictProba(X)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestAttackClassifier_FeatureImportance(t *testing.T) {
	X, y := blobs(30, 2, 3, 5)
	names := []string{"signal_a", "signal_b", "noise"}
	clf := NewAttackClassifier(smallParams())
	require.NoError(t, clf.Fit(X, y, names))

	imp := clf.FeatureImportance()
	require.Len(t, imp, 3)
	var total float64
	for i, fi := range imp {
		total += fi.Importance
		if i > 0 {
			assert.GreaterOrEqual(t, imp[i-1].Importance, fi.Importance)
		}
	}
	assert.InDelta(t, 1.0, total, 1e-9)
	assert.NotEqual(t, "noise", imp[0].Name)

	unnamed := NewAttackClassifier(smallParams())
	require.NoError(t, unnamed.Fit(X, y, nil))
	for _, fi := range unnamed.FeatureImportance() {
		assert.Regexp(t, `^feature_\d$`, fi.Name)
	}
}

func TestAttackClassifier_CrossValidate(t *testing.T) {
	X, y := blobs(25, 3, 4, 9)
	clf := NewAttackClassifier(smallParams())

	res, err := clf.CrossValidate(X, y, 5)
	require.NoError(t, err)
	assert.Len(t, res.Scores, 5)
	assert.Greater(t, res.MeanScore, 0.9)
	assert.GreaterOrEqual(t, res.StdScore, 0.0)
	assert.False(t, clf.IsFitted(), "cross-validation must not fit the receiver")

	_, err = clf.CrossValidate(X, y, 1)
	assert.Error(t, err)
}

func TestStratifiedFolds_Balanced(t *testing.T) {
	y := make([]int, 0, 30)
	for i := 0; i < 30; i++ {
		y = append(y, i%3)
	}
	folds := stratifiedFolds(y, 5)

	perFold := make(map[int]map[int]int)
	for i, f := range folds {
		if perFold[f] == nil {
			perFold[f] = make(map[int]int)
		}
		perFold[f][y[i]]++
	}
	require.Len(t, perFold, 5)
	for f, counts := range perFold {
		for c := 0; c < 3; c++ {
			assert.Equal(t, 2, counts[c], "fold %d class %d", f, c)
		}
	}
}

func TestAttackClassifier_SaveLoad(t *testing.T) {
	X, y := blobs(20, 3, 3, 13)
	clf := NewAttackClassifier(smallParams())
	require.NoError(t, clf.Fit(X, y, []string{"a", "b", "c"}))
	clf.SetClassNames([]string{"x", "y", "z"})
	_, err := clf.Evaluate(X, y)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "classifier_v1_20240101_000000.model")
	require.NoError(t, clf.Save(path, "v1"))

	loaded, err := LoadClassifier(path)
	require.NoError(t, err)
	assert.True(t, loaded.IsFitted())
	assert.Equal(t, clf.Classes(), loaded.Classes())
	assert.Equal(t, clf.Params(), loaded.Params())
	assert.Equal(t, clf.FeatureImportance(), loaded.FeatureImportance())
	require.NotNil(t, loaded.LastMetrics())
	assert.Equal(t, clf.LastMetrics().F1, loaded.LastMetrics().F1)

	want, err := clf.PredictProba(X)
	require.NoError(t, err)
	got, err := loaded.PredictProba(X)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAnomalyDetector_NotTrained(t *testing.T) {
	det := NewAnomalyDetector(DefaultAnomalyParams())
	X := [][]float64{{1, 2}}

	_, err := det.ScoreSamples(X)
	assert.ErrorIs(t, err, ErrNotTrained)
	_, err = det.Predict(X)
	assert.ErrorIs(t, err, ErrNotTrained)
	_, err = det.IsAnomaly(X)
	assert.ErrorIs(t, err, ErrNotTrained)
	_, err = det.AnomalyScores(X)
	assert.ErrorIs(t, err, ErrNotTrained)
}

func gaussian(n, dims int, seed uint64) [][]float64 {
	rng := rand.New(rand.NewPCG(seed, 2))
	X := make([][]float64, n)
	for i := range X {
		X[i] = make([]float64, dims)
		for d := range X[i] {
			X[i][d] = rng.NormFloat64()
		}
	}
	return X
}

func TestAnomalyDetector_ThresholdIsBottomDecile(t *testing.T) {
	X := gaussian(500, 4, 21)
	params := DefaultAnomalyParams()
	params.NEstimators = 50
	det := NewAnomalyDetector(params)
	require.NoError(t, det.Fit(X))

	scores, err := det.ScoreSamples(X)
	require.NoError(t, err)
	below := 0
	for _, s := range scores {
		assert.Less(t, s, 0.0)
		if s <= det.Threshold() {
			below++
		}
	}
	assert.InDelta(t, 50, below, 5)

	results, err := det.AnomalyScores(X)
	require.NoError(t, err)
	for i, r := range results {
		assert.Equal(t, scores[i], r.Score)
		assert.Equal(t, r.Score < det.Threshold(), r.IsAnomaly)
		assert.InDelta(t, 0, r.Confidence-abs(r.Score-det.Threshold()), 1e-12)
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func TestAnomalyDetector_OutlierScoresLower(t *testing.T) {
	X := gaussian(300, 3, 4)
	det := NewAnomalyDetector(DefaultAnomalyParams())
	require.NoError(t, det.Fit(X))

	scores, err := det.ScoreSamples([][]float64{{0, 0, 0}, {12, -12, 12}})
	require.NoError(t, err)
	assert.Less(t, scores[1], scores[0])

	flags, err := det.IsAnomaly([][]float64{{12, -12, 12}})
	require.NoError(t, err)
	assert.True(t, flags[0])

	labels, err := det.Predict([][]float64{{0, 0, 0}, {12, -12, 12}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, -1}, labels)
}

func TestAnomalyDetector_SaveLoad(t *testing.T) {
	X := gaussian(200, 3, 8)
	params := DefaultAnomalyParams()
	params.NEstimators = 20
	det := NewAnomalyDetector(params)
	require.NoError(t, det.Fit(X))

	path := filepath.Join(t.TempDir(), "anomaly_detector_v1_20240101_000000.model")
	require.NoError(t, det.Save(path, "v1"))
	loaded, err := LoadAnomalyDetector(path)
	require.NoError(t, err)

	assert.Equal(t, det.Threshold(), loaded.Threshold())
	assert.Equal(t, det.Offset(), loaded.Offset())
	want, _ := det.ScoreSamples(X)
	got, err := loaded.ScoreSamples(X)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHyperparameterTuner(t *testing.T) {
	tuner := NewHyperparameterTuner(ParamGrid{
		NEstimators:     []int{5, 10},
		MaxDepth:        []int{3, 0},
		MinSamplesSplit: []int{2},
		MinSamplesLeaf:  []int{1},
	})
	_, err := tuner.TunedClassifier()
	assert.ErrorIs(t, err, ErrNotTuned)
	assert.Nil(t, tuner.Result())

	X, y := blobs(15, 3, 3, 17)
	res, err := tuner.Tune(X, y, 3)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 4)
	assert.Len(t, res.MeanScores, 4)
	assert.Len(t, res.StdScores, 4)

	// last key varies fastest
	assert.Equal(t, 3, res.Candidates[0].MaxDepth)
	assert.Equal(t, 5, res.Candidates[0].NEstimators)
	assert.Equal(t, 10, res.Candidates[1].NEstimators)
	assert.Equal(t, 0, res.Candidates[2].MaxDepth)

	best := 0
	for i, s := range res.MeanScores {
		if s > res.MeanScores[best] {
			best = i
		}
	}
	assert.Equal(t, res.Candidates[best], res.BestParams)
	assert.Equal(t, res.MeanScores[best], res.BestScore)

	clf, err := tuner.TunedClassifier()
	require.NoError(t, err)
	assert.False(t, clf.IsFitted())
	assert.Equal(t, res.BestParams, clf.Params())
	assert.True(t, clf.Params().ClassWeightBalanced)
}

func TestParamGrid_DefaultSize(t *testing.T) {
	assert.Len(t, DefaultParamGrid().Candidates(DefaultClassifierParams()), 3*4*3*3)
}
