// Package events provides the event bus that fans prediction, model load
// and training events out to the live feed and external sinks.
package events

import (
	"cmp"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvalentine99/honeyclass/internal/ml"
	"github.com/cvalentine99/honeyclass/internal/models"
	"github.com/cvalentine99/honeyclass/internal/privacy"
)

// EventType defines the type of event.
type EventType string

const (
	// Prediction events
	EventPrediction EventType = "prediction:made"
	EventAnomaly    EventType = "prediction:anomaly"

	// Model events
	EventModelLoaded     EventType = "model:loaded"
	EventModelLoadFailed EventType = "model:load_failed"

	// Training events
	EventTrainingCompleted EventType = "training:completed"
	EventTrainingFailed    EventType = "training:failed"

	// System events
	EventSystemError EventType = "system:error"
)

// Event is one bus message.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"` // Nanosecond precision
	Data      any       `json:"data"`
}

// JSON returns the JSON representation of an event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// PredictionData is the payload of prediction events.
type PredictionData struct {
	SourceIP    string        `json:"source_ip"`
	ServiceType string        `json:"service_type,omitempty"`
	Excerpt     string        `json:"excerpt,omitempty"`
	Prediction  ml.Prediction `json:"prediction"`
	ThreatScore float64       `json:"threat_score"`
	Profile     *ml.IPProfile `json:"ip_profile,omitempty"`
}

// TrainingData is the payload of training events.
type TrainingData struct {
	Run   ml.TrainingRun `json:"run"`
	Error string         `json:"error,omitempty"`
}

const defaultExcerptLen = 256

// payload picks the text an analyst most wants to see for rec.
func payload(rec models.AttackRecord) string {
	switch {
	case rec.Command != "":
		return rec.Command
	case rec.QueryString != "":
		return rec.Path + "?" + rec.QueryString
	case rec.Path != "":
		return rec.Path
	default:
		return rec.Body
	}
}

// EventHandler is a function that handles events.
type EventHandler func(event *Event)

// EventBus manages event distribution and batching.
type EventBus struct {
	handlers       map[EventType][]EventHandler
	globalHandlers []EventHandler
	mu             sync.RWMutex

	// Batching configuration
	batchInterval time.Duration
	batchSize     int
	batchEnabled  bool

	redactor   *privacy.Redactor
	excerptLen int
	profiler   *ml.IPProfiler

	// Batch state
	batchMu      sync.Mutex
	currentBatch []*Event
	batchTimer   *time.Timer

	// Statistics
	eventsEmitted atomic.Uint64
	eventsBatched atomic.Uint64
	batchesSent   atomic.Uint64
}

// EventBusConfig holds configuration for the event bus.
type EventBusConfig struct {
	// BatchInterval is the maximum time to wait before sending a batch.
	BatchInterval time.Duration

	// BatchSize is the maximum number of events per batch.
	BatchSize int

	// EnableBatching enables event batching.
	EnableBatching bool

	// Redactor, when set, adds a redacted payload excerpt to prediction
	// events. Without it no payload text leaves the process.
	Redactor *privacy.Redactor

	// ExcerptLen caps excerpts in runes.
	ExcerptLen int

	// Profiler, when set, observes every emitted prediction and attaches
	// the source address profile to the event.
	Profiler *ml.IPProfiler
}

// DefaultEventBusConfig returns a sensible default configuration.
func DefaultEventBusConfig() *EventBusConfig {
	return &EventBusConfig{
		BatchInterval:  100 * time.Millisecond,
		BatchSize:      100,
		EnableBatching: true,
	}
}

// NewEventBus creates a new event bus.
func NewEventBus(cfg *EventBusConfig) *EventBus {
	if cfg == nil {
		cfg = DefaultEventBusConfig()
	}

	return &EventBus{
		handlers:      make(map[EventType][]EventHandler),
		batchInterval: cfg.BatchInterval,
		batchSize:     cfg.BatchSize,
		batchEnabled:  cfg.EnableBatching,
		currentBatch:  make([]*Event, 0, cfg.BatchSize),
		redactor:      cfg.Redactor,
		excerptLen:    cmp.Or(cfg.ExcerptLen, defaultExcerptLen),
		profiler:      cfg.Profiler,
	}
}

// SubscribeAll adds a handler that receives every event.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.globalHandlers = append(eb.globalHandlers, handler)
}

// Subscribe adds a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Emit emits an event to all registered handlers.
func (eb *EventBus) Emit(eventType EventType, data any) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	}

	if eb.batchEnabled {
		eb.addToBatch(event)
	} else {
		eb.dispatchEvent(event)
	}
}

// EmitImmediate emits an event immediately, bypassing batching.
func (eb *EventBus) EmitImmediate(eventType EventType, data any) {
	eb.dispatchEvent(&Event{
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	})
}

func (eb *EventBus) addToBatch(event *Event) {
	eb.batchMu.Lock()
	defer eb.batchMu.Unlock()

	eb.currentBatch = append(eb.currentBatch, event)
	eb.eventsBatched.Add(1)

	if len(eb.currentBatch) == 1 {
		eb.batchTimer = time.AfterFunc(eb.batchInterval, eb.flushBatch)
	}
	if len(eb.currentBatch) >= eb.batchSize {
		eb.flushBatchLocked()
	}
}

func (eb *EventBus) flushBatch() {
	eb.batchMu.Lock()
	defer eb.batchMu.Unlock()
	eb.flushBatchLocked()
}

// flushBatchLocked dispatches the pending batch (must be called with batchMu held).
func (eb *EventBus) flushBatchLocked() {
	if len(eb.currentBatch) == 0 {
		return
	}
	if eb.batchTimer != nil {
		eb.batchTimer.Stop()
		eb.batchTimer = nil
	}

	for _, event := range eb.currentBatch {
		eb.dispatchEvent(event)
	}

	eb.batchesSent.Add(1)
	eb.currentBatch = eb.currentBatch[:0]
}

func (eb *EventBus) dispatchEvent(event *Event) {
	eb.mu.RLock()
	global := eb.globalHandlers
	typed := eb.handlers[event.Type]
	eb.mu.RUnlock()

	eb.eventsEmitted.Add(1)
	for _, handler := range global {
		handler(event)
	}
	for _, handler := range typed {
		handler(event)
	}
}

// Flush forces a flush of any pending batched events.
func (eb *EventBus) Flush() {
	eb.flushBatch()
}

// Stats returns event bus statistics.
func (eb *EventBus) Stats() (emitted, batched, batches uint64) {
	return eb.eventsEmitted.Load(), eb.eventsBatched.Load(), eb.batchesSent.Load()
}

// Helper functions for common event types

// EmitPrediction emits a prediction event, plus an immediate anomaly event
// when the detector flagged the record. Failed predictions are not emitted.
func (eb *EventBus) EmitPrediction(rec models.AttackRecord, pred ml.Prediction) {
	if pred.Failed() {
		return
	}
	data := &PredictionData{
		SourceIP:    rec.SourceIP,
		ServiceType: rec.ServiceType,
		Prediction:  pred,
		ThreatScore: ml.ComputeThreatScore(pred.AttackType, pred.Confidence, pred.Anomalous()),
	}
	if eb.redactor != nil {
		data.Excerpt = eb.redactor.Excerpt(payload(rec), eb.excerptLen)
	}
	if eb.profiler != nil && rec.SourceIP != "" {
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		prof := eb.profiler.Observe(rec.SourceIP, rec.ServiceType, ts)
		data.Profile = &prof
	}
	eb.Emit(EventPrediction, data)
	if pred.Anomalous() {
		eb.EmitImmediate(EventAnomaly, data)
	}
}

// EmitModelLoad emits the outcome of a model load.
func (eb *EventBus) EmitModelLoad(ev ml.LoadEvent) {
	if ev.Success {
		eb.EmitImmediate(EventModelLoaded, ev)
	} else {
		eb.EmitImmediate(EventModelLoadFailed, ev)
	}
}

// EmitTrainingRun emits the outcome of a training run.
func (eb *EventBus) EmitTrainingRun(run ml.TrainingRun, err error) {
	data := &TrainingData{Run: run}
	if err != nil {
		data.Error = err.Error()
		eb.EmitImmediate(EventTrainingFailed, data)
		return
	}
	eb.EmitImmediate(EventTrainingCompleted, data)
}

// ErrorData is the payload of system error events.
type ErrorData struct {
	Context string `json:"context"`
	Error   string `json:"error"`
}

// EmitError emits a system error event for failures outside the predictor
// and trainer hooks, such as a training source that cannot be opened.
func (eb *EventBus) EmitError(err error, context string) {
	eb.EmitImmediate(EventSystemError, &ErrorData{Context: context, Error: err.Error()})
}

// Attach forwards p's prediction and load hooks to the bus.
func (eb *EventBus) Attach(p *ml.Predictor) {
	p.OnPrediction(eb.EmitPrediction)
	p.OnLoad(eb.EmitModelLoad)
}

// BatchedEvents represents a batch of events for efficient transmission.
type BatchedEvents struct {
	Events    []*Event `json:"events"`
	Count     int      `json:"count"`
	Timestamp int64    `json:"timestamp"`
}

// NewBatchedEvents creates a new batched events container.
func NewBatchedEvents(events []*Event) *BatchedEvents {
	return &BatchedEvents{
		Events:    events,
		Count:     len(events),
		Timestamp: time.Now().UnixNano(),
	}
}

// JSON returns the JSON representation of batched events.
func (be *BatchedEvents) JSON() ([]byte, error) {
	return json.Marshal(be)
}

// Batcher groups events into BatchedEvents frames for the live feed. A
// frame is flushed when it reaches MaxBatchSize or every FlushInterval.
type Batcher struct {
	config  BatcherConfig
	mu      sync.Mutex
	pending []*Event
	ticker  *time.Ticker
	stopCh  chan struct{}
	running bool
}

// BatcherConfig holds configuration for the event batcher.
type BatcherConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
	OnFlush       func(*BatchedEvents)
}

// NewBatcher creates a new event batcher.
func NewBatcher(config BatcherConfig) *Batcher {
	return &Batcher{
		config:  config,
		pending: make([]*Event, 0, config.MaxBatchSize),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the periodic flush.
func (b *Batcher) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return
	}
	b.running = true
	b.ticker = time.NewTicker(b.config.FlushInterval)

	go func() {
		for {
			select {
			case <-b.ticker.C:
				b.flush()
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop stops the batcher and flushes what is pending.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.ticker.Stop()
	close(b.stopCh)
	b.mu.Unlock()
	b.flush()
}

// Add queues an event. It is usable as an EventHandler.
func (b *Batcher) Add(event *Event) {
	b.mu.Lock()
	b.pending = append(b.pending, event)
	var out *BatchedEvents
	if len(b.pending) >= b.config.MaxBatchSize {
		out = b.takeLocked()
	}
	b.mu.Unlock()
	b.deliver(out)
}

func (b *Batcher) flush() {
	b.mu.Lock()
	out := b.takeLocked()
	b.mu.Unlock()
	b.deliver(out)
}

func (b *Batcher) takeLocked() *BatchedEvents {
	if len(b.pending) == 0 {
		return nil
	}
	events := make([]*Event, len(b.pending))
	copy(events, b.pending)
	b.pending = b.pending[:0]
	return NewBatchedEvents(events)
}

func (b *Batcher) deliver(out *BatchedEvents) {
	if out != nil && b.config.OnFlush != nil {
		b.config.OnFlush(out)
	}
}
