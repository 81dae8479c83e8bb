package ml

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cvalentine99/honeyclass/internal/logging"
)

// ParamGrid lists candidate values per hyperparameter. A MaxDepth of 0
// means unlimited.
type ParamGrid struct {
	NEstimators     []int `json:"n_estimators"`
	MaxDepth        []int `json:"max_depth"`
	MinSamplesSplit []int `json:"min_samples_split"`
	MinSamplesLeaf  []int `json:"min_samples_leaf"`
}

// DefaultParamGrid returns the standard search grid.
func DefaultParamGrid() ParamGrid {
	return ParamGrid{
		NEstimators:     []int{50, 100, 200},
		MaxDepth:        []int{10, 20, 30, 0},
		MinSamplesSplit: []int{2, 5, 10},
		MinSamplesLeaf:  []int{1, 2, 4},
	}
}

// Candidates expands the grid. Keys iterate in alphabetical order
// (max_depth, min_samples_leaf, min_samples_split, n_estimators) with the
// last key varying fastest. Fields not in the grid come from base.
func (g ParamGrid) Candidates(base ClassifierParams) []ClassifierParams {
	var out []ClassifierParams
	for _, depth := range g.MaxDepth {
		for _, leaf := range g.MinSamplesLeaf {
			for _, split := range g.MinSamplesSplit {
				for _, n := range g.NEstimators {
					p := base
					p.MaxDepth = depth
					p.MinSamplesLeaf = leaf
					p.MinSamplesSplit = split
					p.NEstimators = n
					out = append(out, p)
				}
			}
		}
	}
	return out
}

// TuneResult records the outcome of a grid search.
type TuneResult struct {
	BestParams ClassifierParams   `json:"best_params"`
	BestScore  float64            `json:"best_score"`
	Candidates []ClassifierParams `json:"candidates"`
	MeanScores []float64          `json:"mean_scores"`
	StdScores  []float64          `json:"std_scores"`
}

// HyperparameterTuner runs exhaustive cross-validated grid search.
type HyperparameterTuner struct {
	grid ParamGrid
	base ClassifierParams

	mu     sync.Mutex
	result *TuneResult
	logger *logging.Logger
}

// NewHyperparameterTuner creates a tuner. Candidates inherit class
// weighting and seed from DefaultClassifierParams.
func NewHyperparameterTuner(grid ParamGrid) *HyperparameterTuner {
	return &HyperparameterTuner{
		grid:   grid,
		base:   DefaultClassifierParams(),
		logger: logging.TrainerLogger(),
	}
}

// Tune scores every candidate with cv-fold weighted F1. The first
// candidate in grid order with the highest mean wins.
func (t *HyperparameterTuner) Tune(X [][]float64, y []int, cv int) (*TuneResult, error) {
	return t.TuneContext(context.Background(), X, y, cv)
}

// TuneContext is Tune with cancellation between candidates.
func (t *HyperparameterTuner) TuneContext(ctx context.Context, X [][]float64, y []int, cv int) (*TuneResult, error) {
	candidates := t.grid.Candidates(t.base)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("tune: empty parameter grid")
	}

	res := &TuneResult{
		Candidates: candidates,
		MeanScores: make([]float64, len(candidates)),
		StdScores:  make([]float64, len(candidates)),
	}
	best := -1
	start := time.Now()
	for i, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cvr, err := crossValidate(ctx, X, y, cv, p)
		if err != nil {
			return nil, fmt.Errorf("tune candidate %d: %w", i, err)
		}
		res.MeanScores[i] = cvr.MeanScore
		res.StdScores[i] = cvr.StdScore
		if best < 0 || cvr.MeanScore > res.MeanScores[best] {
			best = i
		}
	}
	res.BestParams = candidates[best]
	res.BestScore = res.MeanScores[best]

	t.mu.Lock()
	t.result = res
	t.mu.Unlock()

	t.logger.Info("hyperparameter search complete",
		"candidates", len(candidates),
		"folds", cv,
		"best_score", res.BestScore,
		"best_n_estimators", res.BestParams.NEstimators,
		"best_max_depth", res.BestParams.MaxDepth,
		"best_min_samples_split", res.BestParams.MinSamplesSplit,
		"best_min_samples_leaf", res.BestParams.MinSamplesLeaf,
		logging.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// Result returns the last search result, or nil.
func (t *HyperparameterTuner) Result() *TuneResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// TunedClassifier returns a fresh, untrained classifier with the best
// parameters. It fails with ErrNotTuned before Tune.
func (t *HyperparameterTuner) TunedClassifier() (*AttackClassifier, error) {
	t.mu.Lock()
	res := t.result
	t.mu.Unlock()
	if res == nil {
		return nil, ErrNotTuned
	}
	return NewAttackClassifier(res.BestParams), nil
}
