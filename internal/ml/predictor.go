package ml

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cvalentine99/honeyclass/internal/logging"
	"github.com/cvalentine99/honeyclass/internal/models"
)

// PredictorConfig holds configuration for the predictor service
type PredictorConfig struct {
	// ModelDir is the artifact directory
	ModelDir string
	// ConfidenceThreshold marks predictions at or above it as confident
	ConfidenceThreshold float64
	// CacheTTL is how long a cached prediction stays valid
	CacheTTL time.Duration
	// CacheSize bounds the number of cached predictions
	CacheSize int
}

// DefaultPredictorConfig returns default predictor configuration
func DefaultPredictorConfig() *PredictorConfig {
	return &PredictorConfig{
		ModelDir:            "models",
		ConfidenceThreshold: 0.7,
		CacheTTL:            300 * time.Second,
		CacheSize:           10000,
	}
}

// State is the predictor's load lifecycle state.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateLoadFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateLoadFailed:
		return "load_failed"
	default:
		return "unknown"
	}
}

// LoadEvent describes one LoadModels call.
type LoadEvent struct {
	Requested string        `json:"requested"`
	Artifacts ArtifactSet   `json:"artifacts"`
	Success   bool          `json:"success"`
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`

	Err error `json:"-"`
}

// PredictorStats is a point-in-time view of predictor counters.
type PredictorStats struct {
	State       string    `json:"state"`
	Version     string    `json:"version,omitempty"`
	LoadedAt    time.Time `json:"loaded_at,omitempty"`
	Predictions int64     `json:"predictions"`
	Failures    int64     `json:"failures"`
	Recomputes  int64     `json:"recomputes"`
	CacheHits   int64     `json:"cache_hits"`
	CacheMisses int64     `json:"cache_misses"`
	CacheSize   int       `json:"cache_size"`
}

// modelSet is one immutable, fully loaded artifact set.
type modelSet struct {
	artifacts    ArtifactSet
	classifier   *AttackClassifier
	anomaly      *AnomalyDetector
	preprocessor *Preprocessor
	metaClasses  []string
	loadedAt     time.Time
}

// decode maps a classifier label to its string form: preprocessor codec,
// then the metadata vocabulary, then the decimal label.
func (m *modelSet) decode(label int) string {
	if m.preprocessor.IsFitted() {
		if names, err := m.preprocessor.DecodeLabels([]int{label}); err == nil {
			return names[0]
		}
	}
	if label >= 0 && label < len(m.metaClasses) {
		return m.metaClasses[label]
	}
	return strconv.Itoa(label)
}

func (m *modelSet) classes() []string {
	if m.preprocessor.IsFitted() {
		return m.preprocessor.Classes()
	}
	if len(m.metaClasses) > 0 {
		return append([]string(nil), m.metaClasses...)
	}
	labels := m.classifier.Classes()
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = strconv.Itoa(l)
	}
	return out
}

// Predictor serves predictions from the most recently loaded artifact set.
// Loads are serialized and swap a complete set atomically; predictions read
// one snapshot per call and never block each other.
type Predictor struct {
	config *PredictorConfig
	store  *ArtifactStore
	cache  *PredictionCache

	current atomic.Pointer[modelSet]
	state   atomic.Int32
	loadMu  sync.Mutex

	hooksMu      sync.RWMutex
	onLoad       []func(LoadEvent)
	onPrediction []func(models.AttackRecord, Prediction)

	predictions atomic.Int64
	failures    atomic.Int64
	recomputes  atomic.Int64

	logger *logging.Logger
}

// NewPredictor creates an unloaded predictor.
func NewPredictor(config *PredictorConfig) (*Predictor, error) {
	if config == nil {
		config = DefaultPredictorConfig()
	}
	store, err := NewArtifactStore(config.ModelDir)
	if err != nil {
		return nil, err
	}
	cache, err := NewPredictionCache(config.CacheSize, config.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction cache: %w", err)
	}
	return &Predictor{
		config: config,
		store:  store,
		cache:  cache,
		logger: logging.PredictorLogger(),
	}, nil
}

// OnLoad registers a callback run after every LoadModels call.
func (p *Predictor) OnLoad(fn func(LoadEvent)) {
	p.hooksMu.Lock()
	p.onLoad = append(p.onLoad, fn)
	p.hooksMu.Unlock()
}

// OnPrediction registers a callback run for every returned prediction,
// cached or not. Callbacks run on the caller's goroutine.
func (p *Predictor) OnPrediction(fn func(models.AttackRecord, Prediction)) {
	p.hooksMu.Lock()
	p.onPrediction = append(p.onPrediction, fn)
	p.hooksMu.Unlock()
}

// Store returns the artifact store the predictor loads from.
func (p *Predictor) Store() *ArtifactStore {
	return p.store
}

// State returns the current lifecycle state.
func (p *Predictor) State() State {
	return State(p.state.Load())
}

// IsLoaded reports whether a model set is serving.
func (p *Predictor) IsLoaded() bool {
	return p.current.Load() != nil
}

// Classes returns the serving label vocabulary, empty when unloaded.
func (p *Predictor) Classes() []string {
	set := p.current.Load()
	if set == nil {
		return []string{}
	}
	return set.classes()
}

// Version returns the serving version tag, empty when unloaded.
func (p *Predictor) Version() string {
	if set := p.current.Load(); set != nil {
		return set.artifacts.Version
	}
	return ""
}

// Artifacts returns the serving artifact set.
func (p *Predictor) Artifacts() (ArtifactSet, bool) {
	if set := p.current.Load(); set != nil {
		return set.artifacts, true
	}
	return ArtifactSet{}, false
}

// LoadModels resolves and loads an artifact set ("latest" or a version
// tag) and swaps it in. It returns false when no classifier matches or any
// artifact fails to load; a previously loaded set keeps serving.
func (p *Predictor) LoadModels(ctx context.Context, version string) bool {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	start := time.Now()
	p.state.Store(int32(StateLoading))

	set, err := p.loadSet(ctx, version)
	ev := LoadEvent{Requested: version, Duration: time.Since(start), Err: err}
	if err != nil {
		ev.Error = err.Error()
		switch {
		case errors.Is(err, ErrArtifactNotFound) && p.current.Load() != nil:
			p.state.Store(int32(StateLoaded))
			p.logger.Warn("no model artifacts found, keeping current set", "requested", version, logging.Err(err))
		case errors.Is(err, ErrArtifactNotFound):
			p.state.Store(int32(StateUnloaded))
			p.logger.Warn("no model artifacts found", "requested", version, "dir", p.store.Dir())
		default:
			p.state.Store(int32(StateLoadFailed))
			p.logger.Error("failed to load models", "requested", version, logging.Err(err))
		}
		ev.State = p.State().String()
		p.emitLoad(ev)
		return false
	}

	p.current.Store(set)
	p.cache.Clear()
	p.state.Store(int32(StateLoaded))

	ev.Success = true
	ev.Artifacts = set.artifacts
	ev.State = StateLoaded.String()
	p.logger.Info("models loaded",
		logging.Artifact(KindClassifier, set.artifacts.Version, set.artifacts.Classifier),
		"anomaly_detector", set.anomaly != nil,
		"preprocessor_fitted", set.preprocessor.IsFitted(),
		"classes", len(set.classes()),
		logging.Duration("elapsed", ev.Duration),
	)
	p.emitLoad(ev)
	return true
}

func (p *Predictor) loadSet(ctx context.Context, version string) (*modelSet, error) {
	artifacts, err := p.store.Resolve(version)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set := &modelSet{artifacts: artifacts, loadedAt: time.Now()}
	if artifacts.Metadata != "" {
		md, err := ReadMetadata(artifacts.Metadata)
		if err != nil {
			p.logger.Warn("ignoring unreadable metadata", "path", artifacts.Metadata, logging.Err(err))
		} else {
			for _, a := range []struct{ kind, path string }{
				{KindClassifier, artifacts.Classifier},
				{KindAnomalyDetector, artifacts.AnomalyDetector},
				{KindPreprocessor, artifacts.Preprocessor},
			} {
				if a.path == "" {
					continue
				}
				if err := VerifyFile(a.path, md.Digests[a.kind]); err != nil {
					return nil, err
				}
			}
			set.metaClasses = md.Classes
		}
	}
	if set.classifier, err = LoadClassifier(artifacts.Classifier); err != nil {
		return nil, err
	}
	if artifacts.AnomalyDetector != "" {
		if set.anomaly, err = LoadAnomalyDetector(artifacts.AnomalyDetector); err != nil {
			return nil, err
		}
	}
	if artifacts.Preprocessor != "" {
		if set.preprocessor, err = LoadPreprocessor(artifacts.Preprocessor); err != nil {
			return nil, err
		}
	} else {
		p.logger.Warn("no preprocessor artifact, using pattern-only features", "version", artifacts.Version)
		set.preprocessor = NewPreprocessor(nil)
	}

	width := set.preprocessor.Schema().Width()
	if set.preprocessor.IsFitted() && width != set.classifier.NFeatures() {
		return nil, fmt.Errorf("%w: preprocessor emits %d features, classifier expects %d",
			ErrFeatureMismatch, width, set.classifier.NFeatures())
	}
	if set.anomaly != nil && set.anomaly.NFeatures() != set.classifier.NFeatures() {
		return nil, fmt.Errorf("%w: anomaly detector expects %d features, classifier expects %d",
			ErrFeatureMismatch, set.anomaly.NFeatures(), set.classifier.NFeatures())
	}
	return set, nil
}

// Predict classifies one record. It never fails; errors are reported in
// the returned Prediction.
func (p *Predictor) Predict(rec models.AttackRecord) Prediction {
	return p.PredictBatch([]models.AttackRecord{rec})[0]
}

// PredictBatch classifies records in order, one result per input. Cache
// misses are transformed and scored together.
func (p *Predictor) PredictBatch(recs []models.AttackRecord) []Prediction {
	out := make([]Prediction, len(recs))
	// The generation is read before the snapshot: LoadModels swaps the
	// snapshot before clearing, so a stale set always sees a stale gen.
	gen := p.cache.Generation()
	set := p.current.Load()
	if set == nil {
		for i := range out {
			out[i] = failedPrediction(ErrNotLoaded)
		}
		p.finish(recs, out)
		return out
	}

	keys := make([]string, len(recs))
	var miss []int
	for i, r := range recs {
		if err := r.Validate(); err != nil {
			p.logger.Debug("rejected malformed record",
				logging.Record(r.SourceIP, r.ServiceType, r.DestinationPort),
				logging.Err(err),
			)
			out[i] = failedPrediction(fmt.Errorf("%w: %v", ErrMalformedInput, err))
			continue
		}
		keys[i] = CacheKey(r)
		if cached, ok := p.cache.Get(keys[i]); ok {
			out[i] = cached
			continue
		}
		miss = append(miss, i)
	}

	if len(miss) > 0 {
		pending := make([]models.AttackRecord, len(miss))
		for j, i := range miss {
			pending[j] = recs[i]
		}
		computed := p.compute(set, pending)
		for j, i := range miss {
			out[i] = computed[j]
			if !computed[j].Failed() {
				p.cache.PutIf(gen, keys[i], computed[j])
			}
		}
	}

	p.finish(recs, out)
	return out
}

// compute runs records through the snapshot's preprocessor, classifier and
// anomaly detector.
func (p *Predictor) compute(set *modelSet, recs []models.AttackRecord) []Prediction {
	p.recomputes.Add(int64(len(recs)))
	out := make([]Prediction, len(recs))

	var X [][]float64
	var rows []int
	for i, r := range recs {
		x, err := set.preprocessor.TransformOne(r)
		if err != nil {
			out[i] = failedPrediction(fmt.Errorf("%w: %v", ErrMalformedInput, err))
			continue
		}
		X = append(X, x)
		rows = append(rows, i)
	}
	if len(X) == 0 {
		return out
	}

	fail := func(err error) []Prediction {
		p.logger.Error("prediction failed", logging.Err(err), "rows", len(rows))
		for _, i := range rows {
			out[i] = failedPrediction(fmt.Errorf("%w: %v", ErrModel, err))
		}
		return out
	}

	labels, err := set.classifier.PredictWithConfidence(X)
	if err != nil {
		return fail(err)
	}
	var scores []AnomalyScore
	if set.anomaly != nil {
		if scores, err = set.anomaly.AnomalyScores(X); err != nil {
			return fail(err)
		}
	}

	for j, i := range rows {
		pred := Prediction{
			ID:           uuid.NewString(),
			AttackType:   set.decode(labels[j].Label),
			Confidence:   labels[j].Confidence,
			IsConfident:  labels[j].Confidence >= p.config.ConfidenceThreshold,
			ModelVersion: set.artifacts.Version,
		}
		if scores != nil {
			flag, score := scores[j].IsAnomaly, scores[j].Score
			pred.IsAnomaly = &flag
			pred.AnomalyScore = &score
		}
		out[i] = pred
	}
	return out
}

func (p *Predictor) finish(recs []models.AttackRecord, preds []Prediction) {
	p.predictions.Add(int64(len(preds)))
	for _, pr := range preds {
		if pr.Failed() {
			p.failures.Add(1)
		}
	}

	p.hooksMu.RLock()
	hooks := p.onPrediction
	p.hooksMu.RUnlock()
	for _, fn := range hooks {
		for i := range preds {
			fn(recs[i], preds[i])
		}
	}
}

func (p *Predictor) emitLoad(ev LoadEvent) {
	p.hooksMu.RLock()
	hooks := p.onLoad
	p.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

// ThreatScore predicts rec and derives its 1-10 threat score. A failed
// prediction scores as an unknown type with zero confidence.
func (p *Predictor) ThreatScore(rec models.AttackRecord) float64 {
	pred := p.Predict(rec)
	return ComputeThreatScore(pred.AttackType, pred.Confidence, pred.Anomalous())
}

// ClearCache drops every cached prediction.
func (p *Predictor) ClearCache() {
	p.cache.Clear()
}

// Stats returns predictor counters.
func (p *Predictor) Stats() PredictorStats {
	hits, misses := p.cache.Stats()
	st := PredictorStats{
		State:       p.State().String(),
		Predictions: p.predictions.Load(),
		Failures:    p.failures.Load(),
		Recomputes:  p.recomputes.Load(),
		CacheHits:   hits,
		CacheMisses: misses,
		CacheSize:   p.cache.Len(),
	}
	if set := p.current.Load(); set != nil {
		st.Version = set.artifacts.Version
		st.LoadedAt = set.loadedAt
	}
	return st
}
