package ml

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvalentine99/honeyclass/internal/models"
)

// =============================================================================
// Micro-batching Prediction Pipeline
// =============================================================================

// BatchConfig holds configuration for the prediction batch pipeline.
type BatchConfig struct {
	// MaxBatchSize is the maximum number of records scored together
	MaxBatchSize int
	// MaxWaitTime is the maximum time to wait for a full batch
	MaxWaitTime time.Duration
	// NumWorkers is the number of parallel batch workers
	NumWorkers int
	// QueueSize is the size of the input queue
	QueueSize int
}

// DefaultBatchConfig returns sensible defaults.
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		MaxBatchSize: 32,
		MaxWaitTime:  5 * time.Millisecond,
		NumWorkers:   2,
		QueueSize:    1024,
	}
}

// BatchPredictor scores records in order, one result per input.
type BatchPredictor interface {
	PredictBatch(recs []models.AttackRecord) []Prediction
}

type batchRequest struct {
	record   models.AttackRecord
	resultCh chan Prediction
}

// BatchPipeline coalesces concurrent single-record predictions into
// PredictBatch calls.
type BatchPipeline struct {
	predictor BatchPredictor
	config    *BatchConfig
	queue     chan batchRequest

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	totalRequests   atomic.Int64
	totalBatches    atomic.Int64
	droppedRequests atomic.Int64
}

// BatchPipelineStats holds batch pipeline statistics.
type BatchPipelineStats struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalBatches    int64   `json:"total_batches"`
	DroppedRequests int64   `json:"dropped_requests"`
	QueueDepth      int     `json:"queue_depth"`
	AvgBatchSize    float64 `json:"avg_batch_size"`
}

// NewBatchPipeline creates a pipeline in front of predictor and starts its
// workers.
func NewBatchPipeline(predictor BatchPredictor, cfg *BatchConfig) *BatchPipeline {
	if cfg == nil {
		cfg = DefaultBatchConfig()
	}
	bp := &BatchPipeline{
		predictor: predictor,
		config:    cfg,
		queue:     make(chan batchRequest, cfg.QueueSize),
	}
	for i := 0; i < max(cfg.NumWorkers, 1); i++ {
		bp.wg.Add(1)
		go bp.worker()
	}
	return bp
}

// Stop rejects new submissions, scores everything already queued and waits
// for the workers to exit.
func (bp *BatchPipeline) Stop() {
	bp.mu.Lock()
	if !bp.closed {
		bp.closed = true
		close(bp.queue)
	}
	bp.mu.Unlock()
	bp.wg.Wait()
}

// Submit queues rec and returns a channel that receives exactly one
// Prediction. A full queue or a stopped pipeline yields a failed prediction.
func (bp *BatchPipeline) Submit(rec models.AttackRecord) <-chan Prediction {
	resultCh := make(chan Prediction, 1)

	bp.mu.RLock()
	defer bp.mu.RUnlock()
	if bp.closed {
		resultCh <- failedPrediction(ErrPipelineClosed)
		return resultCh
	}

	select {
	case bp.queue <- batchRequest{record: rec, resultCh: resultCh}:
		bp.totalRequests.Add(1)
	default:
		bp.droppedRequests.Add(1)
		resultCh <- failedPrediction(ErrQueueFull)
	}
	return resultCh
}

// Predict submits rec and waits for its prediction.
func (bp *BatchPipeline) Predict(ctx context.Context, rec models.AttackRecord) (Prediction, error) {
	select {
	case pred := <-bp.Submit(rec):
		return pred, nil
	case <-ctx.Done():
		return Prediction{}, ctx.Err()
	}
}

func (bp *BatchPipeline) worker() {
	defer bp.wg.Done()

	batch := make([]batchRequest, 0, bp.config.MaxBatchSize)
	timer := time.NewTimer(bp.config.MaxWaitTime)
	defer timer.Stop()

	for {
		select {
		case req, ok := <-bp.queue:
			if !ok {
				bp.processBatch(batch)
				return
			}
			batch = append(batch, req)
			if len(batch) >= bp.config.MaxBatchSize {
				bp.processBatch(batch)
				batch = batch[:0]
				timer.Reset(bp.config.MaxWaitTime)
			}

		case <-timer.C:
			if len(batch) > 0 {
				bp.processBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(bp.config.MaxWaitTime)
		}
	}
}

func (bp *BatchPipeline) processBatch(batch []batchRequest) {
	if len(batch) == 0 {
		return
	}
	bp.totalBatches.Add(1)

	recs := make([]models.AttackRecord, len(batch))
	for i, req := range batch {
		recs[i] = req.record
	}
	preds := bp.predictor.PredictBatch(recs)
	for i, req := range batch {
		req.resultCh <- preds[i]
	}
}

// Stats returns pipeline statistics.
func (bp *BatchPipeline) Stats() BatchPipelineStats {
	reqs := bp.totalRequests.Load()
	batches := bp.totalBatches.Load()
	st := BatchPipelineStats{
		TotalRequests:   reqs,
		TotalBatches:    batches,
		DroppedRequests: bp.droppedRequests.Load(),
		QueueDepth:      len(bp.queue),
	}
	if batches > 0 {
		st.AvgBatchSize = float64(reqs) / float64(batches)
	}
	return st
}
