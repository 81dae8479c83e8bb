package ml

import (
	"github.com/google/uuid"

	"github.com/cvalentine99/honeyclass/internal/models"
)

// Prediction is the unified result for one attack record. A failed
// prediction has AttackType "unknown", zero confidence, Error set and Err
// wrapping ErrNotLoaded, ErrMalformedInput or ErrModel.
type Prediction struct {
	ID           string   `json:"id"`
	AttackType   string   `json:"attack_type"`
	Confidence   float64  `json:"confidence"`
	IsConfident  bool     `json:"is_confident"`
	IsAnomaly    *bool    `json:"is_anomaly,omitempty"`
	AnomalyScore *float64 `json:"anomaly_score,omitempty"`
	ModelVersion string   `json:"model_version,omitempty"`
	Error        string   `json:"error,omitempty"`

	Err error `json:"-"`
}

// Failed reports whether the prediction carries an error.
func (p Prediction) Failed() bool {
	return p.Err != nil || p.Error != ""
}

// Anomalous reports whether an anomaly detector flagged the record.
func (p Prediction) Anomalous() bool {
	return p.IsAnomaly != nil && *p.IsAnomaly
}

func failedPrediction(err error) Prediction {
	return Prediction{
		ID:         uuid.NewString(),
		AttackType: models.UnknownAttackType,
		Error:      err.Error(),
		Err:        err,
	}
}

// baseSeverity maps attack types to the starting point of the threat score.
var baseSeverity = map[string]float64{
	"reconnaissance":     2,
	"brute_force":        4,
	"credential_theft":   6,
	"sql_injection":      7,
	"xss":                5,
	"rce":                9,
	"path_traversal":     6,
	"malware_deployment": 10,
	"data_exfiltration":  8,
}

const defaultSeverity = 5

// ComputeThreatScore derives a 1-10 severity from a predicted type, its
// confidence and the anomaly flag. The confidence branches are strict, so
// exactly 0.5 and 0.8 leave the score unscaled.
func ComputeThreatScore(attackType string, confidence float64, anomalous bool) float64 {
	score, ok := baseSeverity[attackType]
	if !ok {
		score = defaultSeverity
	}
	if confidence < 0.5 {
		score *= 0.8
	} else if confidence > 0.8 {
		score *= 1.1
	}
	if anomalous {
		score = min(score*1.2, 10)
	}
	return max(1, min(score, 10))
}
