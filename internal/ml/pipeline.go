package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cvalentine99/honeyclass/internal/integrity"
	"github.com/cvalentine99/honeyclass/internal/logging"
	"github.com/cvalentine99/honeyclass/internal/models"
)

// TrainerConfig holds configuration for the training pipeline
type TrainerConfig struct {
	// ModelDir is where artifacts are written
	ModelDir string
	// TestSize is the held-out fraction for evaluation
	TestSize float64
	// RandomState seeds the train/test split
	RandomState int64
	// Contamination is the expected anomaly proportion
	Contamination float64
	// Classifier holds hyperparameters used when tuning is off
	Classifier ClassifierParams
	// Anomaly holds isolation forest parameters; Contamination overrides its field
	Anomaly AnomalyParams
	// Grid is searched when tuning is on
	Grid ParamGrid
	// CVFolds is the fold count for tuning
	CVFolds int
}

// DefaultTrainerConfig returns default trainer configuration
func DefaultTrainerConfig() *TrainerConfig {
	return &TrainerConfig{
		ModelDir:      "models",
		TestSize:      0.2,
		RandomState:   42,
		Contamination: 0.1,
		Classifier:    DefaultClassifierParams(),
		Anomaly:       DefaultAnomalyParams(),
		Grid:          DefaultParamGrid(),
		CVFolds:       5,
	}
}

// Split is a stratified train/test partition of encoded data.
type Split struct {
	XTrain [][]float64
	XTest  [][]float64
	YTrain []int
	YTest  []int
}

// ClassifierReport is the classifier section of an EvaluationReport.
type ClassifierReport struct {
	Accuracy             float64 `json:"accuracy"`
	Precision            float64 `json:"precision"`
	Recall               float64 `json:"recall"`
	F1                   float64 `json:"f1"`
	ClassificationReport string  `json:"classification_report"`
}

// AnomalyReport is the anomaly section of an EvaluationReport.
type AnomalyReport struct {
	AnomaliesDetected int     `json:"anomalies_detected"`
	AnomalyRate       float64 `json:"anomaly_rate"`
}

// EvaluationReport holds held-out results for whichever models are trained.
type EvaluationReport struct {
	Classifier *ClassifierReport `json:"classifier,omitempty"`
	Anomaly    *AnomalyReport    `json:"anomaly_detector,omitempty"`
}

// PipelineOptions controls RunFullPipeline.
type PipelineOptions struct {
	Tune    bool
	Version string
}

// PipelineResult is returned by RunFullPipeline.
type PipelineResult struct {
	RunID      string            `json:"run_id"`
	Metrics    *EvaluationReport `json:"metrics"`
	Artifacts  ArtifactSet       `json:"artifacts"`
	Duration   time.Duration     `json:"duration"`
	NumSamples int               `json:"num_samples"`
}

// TrainingRun is one entry of the trainer's history.
type TrainingRun struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
	NumSamples int               `json:"num_samples"`
	Version    string            `json:"version"`
	Metrics    *EvaluationReport `json:"metrics"`
	Artifacts  ArtifactSet       `json:"artifacts"`
}

// Trainer orchestrates preprocessing, training, evaluation and persistence.
// It is a batch job and not safe for concurrent pipeline runs.
type Trainer struct {
	config *TrainerConfig
	store  *ArtifactStore

	preprocessor *Preprocessor
	classifier   *AttackClassifier
	anomaly      *AnomalyDetector
	tuneResult   *TuneResult

	mu      sync.Mutex
	history []TrainingRun
	onRun   func(TrainingRun, error)

	logger *logging.Logger
	now    func() time.Time
}

// NewTrainer creates a trainer writing to config.ModelDir.
func NewTrainer(config *TrainerConfig) (*Trainer, error) {
	if config == nil {
		config = DefaultTrainerConfig()
	}
	store, err := NewArtifactStore(config.ModelDir)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		config:       config,
		store:        store,
		preprocessor: NewPreprocessor(nil),
		logger:       logging.TrainerLogger(),
		now:          time.Now,
	}, nil
}

// OnRun registers a callback invoked after every RunFullPipeline.
func (t *Trainer) OnRun(fn func(TrainingRun, error)) {
	t.mu.Lock()
	t.onRun = fn
	t.mu.Unlock()
}

// Store returns the artifact store.
func (t *Trainer) Store() *ArtifactStore {
	return t.store
}

// Preprocessor returns the trainer's preprocessor.
func (t *Trainer) Preprocessor() *Preprocessor {
	return t.preprocessor
}

// LoadData reads all records from src.
func (t *Trainer) LoadData(ctx context.Context, src DataSource) ([]models.AttackRecord, error) {
	records, err := src.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("load data: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("load data: %w", ErrEmptyDataset)
	}
	t.logger.Info("loaded training data", logging.Count("records", int64(len(records))))
	return records, nil
}

// PrepareData fits the preprocessor on every record, encodes labels and
// splits the data stratified by label.
func (t *Trainer) PrepareData(records []models.AttackRecord) (*Split, error) {
	X, err := t.preprocessor.FitTransform(records)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(records))
	for i, r := range records {
		labels[i] = r.Label()
	}
	y, err := t.preprocessor.EncodeLabels(labels)
	if err != nil {
		return nil, err
	}

	trainIdx, testIdx := stratifiedSplit(y, t.config.TestSize, t.config.RandomState)
	s := &Split{
		XTrain: make([][]float64, len(trainIdx)),
		YTrain: make([]int, len(trainIdx)),
		XTest:  make([][]float64, len(testIdx)),
		YTest:  make([]int, len(testIdx)),
	}
	for i, j := range trainIdx {
		s.XTrain[i], s.YTrain[i] = X[j], y[j]
	}
	for i, j := range testIdx {
		s.XTest[i], s.YTest[i] = X[j], y[j]
	}

	t.logger.Info("prepared data",
		"train", len(trainIdx),
		"test", len(testIdx),
		"features", t.preprocessor.Schema().Width(),
		"classes", len(t.preprocessor.Classes()),
	)
	return s, nil
}

// stratifiedSplit returns shuffled train and test indices. Each class
// contributes round(count*testSize) rows to test, capped so at least one
// row stays in train; a class with a single row goes to train.
func stratifiedSplit(y []int, testSize float64, seed int64) (train, test []int) {
	rng := rand.New(rand.NewPCG(uint64(seed), 0))

	byClass := make(map[int][]int)
	for i, c := range y {
		byClass[c] = append(byClass[c], i)
	}
	for _, c := range uniqueSorted(y) {
		idx := byClass[c]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		nTest := int(math.Round(float64(len(idx)) * testSize))
		nTest = min(nTest, len(idx)-1)
		nTest = max(nTest, 0)
		test = append(test, idx[:nTest]...)
		train = append(train, idx[nTest:]...)
	}
	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	rng.Shuffle(len(test), func(i, j int) { test[i], test[j] = test[j], test[i] })
	return train, test
}

// TrainClassifier trains the classifier, through grid search when tune is set.
func (t *Trainer) TrainClassifier(ctx context.Context, X [][]float64, y []int, tune bool) (*AttackClassifier, error) {
	var clf *AttackClassifier
	if tune {
		t.logger.Info("running hyperparameter tuning")
		tuner := NewHyperparameterTuner(t.config.Grid)
		res, err := tuner.TuneContext(ctx, X, y, t.config.CVFolds)
		if err != nil {
			return nil, err
		}
		t.tuneResult = res
		if clf, err = tuner.TunedClassifier(); err != nil {
			return nil, err
		}
	} else {
		clf = NewAttackClassifier(t.config.Classifier)
	}

	done := logging.Timer(t.logger, "classifier training finished")
	defer done()
	if err := clf.FitContext(ctx, X, y, t.preprocessor.FeatureNames()); err != nil {
		return nil, err
	}
	clf.SetClassNames(t.preprocessor.Classes())
	t.classifier = clf
	return clf, nil
}

// TrainAnomalyDetector fits the anomaly detector on the training split.
func (t *Trainer) TrainAnomalyDetector(ctx context.Context, X [][]float64, contamination float64) (*AnomalyDetector, error) {
	params := t.config.Anomaly
	params.Contamination = contamination

	det := NewAnomalyDetector(params)
	if err := det.FitContext(ctx, X); err != nil {
		return nil, err
	}
	t.anomaly = det
	return det, nil
}

// Evaluate runs the trained models against the held-out split.
func (t *Trainer) Evaluate(X [][]float64, y []int) (*EvaluationReport, error) {
	report := &EvaluationReport{}
	if len(X) == 0 {
		t.logger.Warn("empty test split, skipping evaluation")
		return report, nil
	}

	if t.classifier != nil {
		m, err := t.classifier.Evaluate(X, y)
		if err != nil {
			return nil, fmt.Errorf("evaluate classifier: %w", err)
		}
		report.Classifier = &ClassifierReport{
			Accuracy:             m.Accuracy,
			Precision:            m.Precision,
			Recall:               m.Recall,
			F1:                   m.F1,
			ClassificationReport: m.ClassificationReport,
		}
		t.logger.Info("classifier evaluated", "f1", m.F1, "accuracy", m.Accuracy)
	}

	if t.anomaly != nil {
		scores, err := t.anomaly.AnomalyScores(X)
		if err != nil {
			return nil, fmt.Errorf("evaluate anomaly detector: %w", err)
		}
		n := 0
		for _, s := range scores {
			if s.IsAnomaly {
				n++
			}
		}
		report.Anomaly = &AnomalyReport{
			AnomaliesDetected: n,
			AnomalyRate:       float64(n) / float64(len(X)),
		}
		t.logger.Info("anomaly detector evaluated", "anomalies", n, "test", len(X))
	}
	return report, nil
}

// SaveModels writes every trained component plus a metadata file, all
// sharing one <version>_<UTC stamp> suffix.
func (t *Trainer) SaveModels(version string, metrics *EvaluationReport) (ArtifactSet, error) {
	if version == "" {
		version = "v1"
	}
	set := t.store.NewSet(version, t.now())
	paths := make(map[string]string)
	digests := make(map[string]string)
	record := func(kind, path string) error {
		sum, err := integrity.SumFile(path)
		if err != nil {
			return err
		}
		paths[kind] = path
		digests[kind] = sum
		return nil
	}

	if t.classifier != nil {
		if err := t.classifier.Save(set.Classifier, version); err != nil {
			return ArtifactSet{}, err
		}
		if err := record(KindClassifier, set.Classifier); err != nil {
			return ArtifactSet{}, err
		}
		t.logger.Info("saved classifier", logging.Artifact(KindClassifier, version, set.Classifier))
	} else {
		set.Classifier = ""
	}

	if t.anomaly != nil {
		if err := t.anomaly.Save(set.AnomalyDetector, version); err != nil {
			return ArtifactSet{}, err
		}
		if err := record(KindAnomalyDetector, set.AnomalyDetector); err != nil {
			return ArtifactSet{}, err
		}
		t.logger.Info("saved anomaly detector", logging.Artifact(KindAnomalyDetector, version, set.AnomalyDetector))
	} else {
		set.AnomalyDetector = ""
	}

	if err := t.preprocessor.Save(set.Preprocessor, version); err != nil {
		return ArtifactSet{}, err
	}
	if err := record(KindPreprocessor, set.Preprocessor); err != nil {
		return ArtifactSet{}, err
	}

	md := TrainingMetadata{
		Version:      version,
		Timestamp:    set.Stamp,
		Paths:        paths,
		Digests:      digests,
		Classes:      t.preprocessor.Classes(),
		FeatureNames: t.preprocessor.FeatureNames(),
		Metrics:      metrics,
	}
	if err := t.store.WriteMetadata(set.Metadata, md); err != nil {
		return ArtifactSet{}, err
	}
	return set, nil
}

// RunFullPipeline loads, prepares, trains, evaluates and saves, then
// records the run in History.
func (t *Trainer) RunFullPipeline(ctx context.Context, src DataSource, opts PipelineOptions) (res *PipelineResult, err error) {
	start := t.now()
	runID := uuid.NewString()
	logger := t.logger.With("run_id", runID)

	run := TrainingRun{ID: runID, StartedAt: start, Version: opts.Version}
	defer func() {
		t.mu.Lock()
		fn := t.onRun
		t.mu.Unlock()
		if fn != nil {
			fn(run, err)
		}
	}()

	records, err := t.LoadData(ctx, src)
	if err != nil {
		return nil, err
	}
	run.NumSamples = len(records)

	split, err := t.PrepareData(records)
	if err != nil {
		return nil, err
	}
	if _, err = t.TrainClassifier(ctx, split.XTrain, split.YTrain, opts.Tune); err != nil {
		return nil, err
	}
	if _, err = t.TrainAnomalyDetector(ctx, split.XTrain, t.config.Contamination); err != nil {
		return nil, err
	}
	metrics, err := t.Evaluate(split.XTest, split.YTest)
	if err != nil {
		return nil, err
	}
	set, err := t.SaveModels(opts.Version, metrics)
	if err != nil {
		return nil, err
	}

	run.Duration = t.now().Sub(start)
	run.Metrics = metrics
	run.Artifacts = set
	if run.Version == "" {
		run.Version = set.Version
	}

	t.mu.Lock()
	t.history = append(t.history, run)
	t.mu.Unlock()

	logger.Info("training completed",
		logging.Duration("duration", run.Duration),
		"samples", run.NumSamples,
		"version", set.Version,
	)
	return &PipelineResult{
		RunID:      runID,
		Metrics:    metrics,
		Artifacts:  set,
		Duration:   run.Duration,
		NumSamples: run.NumSamples,
	}, nil
}

// History returns completed pipeline runs, oldest first.
func (t *Trainer) History() []TrainingRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TrainingRun(nil), t.history...)
}

// TuneResult returns the last grid search result, or nil.
func (t *Trainer) TuneResult() *TuneResult {
	return t.tuneResult
}
