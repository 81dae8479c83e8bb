// Package ml implements the attack classification and anomaly detection
// pipeline: feature extraction, the random forest classifier, the isolation
// forest scorer, grid search, training, artifact persistence and the
// prediction service.
package ml

import "errors"

// Training-path errors. These propagate to the caller.
var (
	ErrNotTrained        = errors.New("model not trained")
	ErrNotTuned          = errors.New("tuner has not been run")
	ErrUnsupportedLabel  = errors.New("label not in fitted vocabulary")
	ErrUnsupportedFormat = errors.New("unsupported data format")
	ErrFeatureMismatch   = errors.New("feature dimension mismatch")
	ErrEmptyDataset      = errors.New("empty dataset")
)

// Artifact errors.
var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrSchemaMismatch   = errors.New("artifact schema version mismatch")
	ErrCorruptArtifact  = errors.New("artifact corrupt")
)

// Inference-path errors. The predictor never returns these directly; they
// are carried on Prediction.Err.
var (
	ErrNotLoaded      = errors.New("models not loaded")
	ErrMalformedInput = errors.New("malformed input")
	ErrModel          = errors.New("model error")
)

// Batch pipeline errors.
var (
	ErrQueueFull      = errors.New("batch queue full")
	ErrPipelineClosed = errors.New("batch pipeline closed")
)
