package ml

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/honeyclass/internal/models"
)

// echoPredictor labels each record with its source address.
type echoPredictor struct {
	mu    sync.Mutex
	sizes []int
	block chan struct{}
}

func (e *echoPredictor) PredictBatch(recs []models.AttackRecord) []Prediction {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	e.sizes = append(e.sizes, len(recs))
	e.mu.Unlock()
	out := make([]Prediction, len(recs))
	for i, r := range recs {
		out[i] = Prediction{AttackType: r.SourceIP}
	}
	return out
}

func TestBatchPipeline_RoutesResults(t *testing.T) {
	pred := &echoPredictor{}
	bp := NewBatchPipeline(pred, &BatchConfig{MaxBatchSize: 8, MaxWaitTime: 20 * time.Millisecond, NumWorkers: 1, QueueSize: 64})
	defer bp.Stop()

	ips := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	var wg sync.WaitGroup
	for _, ip := range ips {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			got, err := bp.Predict(context.Background(), models.AttackRecord{SourceIP: ip})
			require.NoError(t, err)
			assert.Equal(t, ip, got.AttackType)
		}(ip)
	}
	wg.Wait()

	st := bp.Stats()
	assert.Equal(t, int64(len(ips)), st.TotalRequests)
	assert.GreaterOrEqual(t, st.TotalBatches, int64(2))
	pred.mu.Lock()
	defer pred.mu.Unlock()
	for _, n := range pred.sizes {
		assert.LessOrEqual(t, n, 8)
	}
}

func TestBatchPipeline_StopFlushesAndRejects(t *testing.T) {
	pred := &echoPredictor{}
	bp := NewBatchPipeline(pred, &BatchConfig{MaxBatchSize: 100, MaxWaitTime: time.Hour, NumWorkers: 1, QueueSize: 10})

	pending := bp.Submit(models.AttackRecord{SourceIP: "queued"})
	bp.Stop()
	assert.Equal(t, "queued", (<-pending).AttackType)

	closed := <-bp.Submit(models.AttackRecord{SourceIP: "late"})
	assert.ErrorIs(t, closed.Err, ErrPipelineClosed)
	bp.Stop()
}

func TestBatchPipeline_QueueFull(t *testing.T) {
	pred := &echoPredictor{block: make(chan struct{})}
	bp := NewBatchPipeline(pred, &BatchConfig{MaxBatchSize: 1, MaxWaitTime: time.Hour, NumWorkers: 1, QueueSize: 1})

	// the worker takes the first request and blocks on it; the second fills the queue
	first := bp.Submit(models.AttackRecord{SourceIP: "1"})
	require.Eventually(t, func() bool { return len(bp.queue) == 0 }, time.Second, time.Millisecond)
	second := bp.Submit(models.AttackRecord{SourceIP: "2"})
	dropped := <-bp.Submit(models.AttackRecord{SourceIP: "3"})
	assert.ErrorIs(t, dropped.Err, ErrQueueFull)
	assert.Equal(t, int64(1), bp.Stats().DroppedRequests)

	close(pred.block)
	assert.Equal(t, "1", (<-first).AttackType)
	assert.Equal(t, "2", (<-second).AttackType)
	bp.Stop()
}

func TestBatchPipeline_ContextCancel(t *testing.T) {
	pred := &echoPredictor{block: make(chan struct{})}
	bp := NewBatchPipeline(pred, &BatchConfig{MaxBatchSize: 1, MaxWaitTime: time.Hour, NumWorkers: 1, QueueSize: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := bp.Predict(ctx, models.AttackRecord{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(pred.block)
	bp.Stop()
}
