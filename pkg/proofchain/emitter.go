package proofchain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// DefaultQueueSize bounds the async emission queue.
const DefaultQueueSize = 256

// dedupWindow bounds the remembered event keys. When it fills, the oldest
// half of the window is forgotten; re-emission of very old events then
// appends a duplicate, which chain verification tolerates.
const dedupWindow = 4096

// emission is one queued proof event.
type emission struct {
	key      string
	tenantID string
	entityID string
	kind     contracts.ProofKind
	payload  map[string]interface{}
}

// Emitter records proof events asynchronously with at-least-once delivery.
// Duplicate emissions with the same key are dropped; a full queue degrades
// to synchronous recording rather than losing the event.
type Emitter struct {
	recorder *Recorder
	logger   *slog.Logger
	queue    chan emission

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string

	wg       sync.WaitGroup
	closedMu sync.RWMutex
	closed   bool

	emitted  metric.Int64Counter
	degraded metric.Int64Counter
}

// NewEmitter creates and starts an emitter. queueSize <= 0 uses the
// default.
func NewEmitter(recorder *Recorder, logger *slog.Logger, queueSize int) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	meter := otel.Meter("covenant/proofchain")
	emitted, _ := meter.Int64Counter("proof_events_emitted_total",
		metric.WithDescription("Proof events recorded through the emitter"))
	degraded, _ := meter.Int64Counter("proof_emit_degraded_total",
		metric.WithDescription("Emissions recorded synchronously because the queue was full"))

	e := &Emitter{
		recorder: recorder,
		logger:   logger,
		queue:    make(chan emission, queueSize),
		seen:     make(map[string]struct{}),
		emitted:  emitted,
		degraded: degraded,
	}

	e.wg.Add(1)
	go e.run()
	return e
}

// Emit queues one proof event. key deduplicates: a second Emit with the
// same key is a no-op. A full queue records synchronously and bumps the
// degradation counter; the event is never dropped.
func (e *Emitter) Emit(ctx context.Context, key, tenantID, entityID string, kind contracts.ProofKind, payload map[string]interface{}) {
	if !e.markSeen(key) {
		return
	}

	job := emission{key: key, tenantID: tenantID, entityID: entityID, kind: kind, payload: payload}

	e.closedMu.RLock()
	defer e.closedMu.RUnlock()
	if e.closed {
		e.record(ctx, job)
		return
	}

	select {
	case e.queue <- job:
	default:
		e.degraded.Add(ctx, 1)
		e.logger.Warn("proof emission queue full, recording synchronously",
			"tenant_id", tenantID, "entity_id", entityID, "kind", kind)
		e.record(ctx, job)
	}
}

// markSeen registers a key in the dedup window; false means the key was
// already emitted.
func (e *Emitter) markSeen(key string) bool {
	if key == "" {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.seen[key]; dup {
		return false
	}
	if len(e.order) >= dedupWindow {
		drop := e.order[:dedupWindow/2]
		e.order = append([]string(nil), e.order[dedupWindow/2:]...)
		for _, old := range drop {
			delete(e.seen, old)
		}
	}
	e.seen[key] = struct{}{}
	e.order = append(e.order, key)
	return true
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for job := range e.queue {
		e.record(context.Background(), job)
	}
}

// record appends with bounded retries. After the final failure the event
// is logged at error level so it is never silently lost.
func (e *Emitter) record(ctx context.Context, job emission) {
	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := e.recorder.Record(ctx, job.tenantID, job.entityID, job.kind, job.payload); err != nil {
			lastErr = err
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		e.emitted.Add(ctx, 1)
		return
	}
	e.logger.Error("proof event lost after retries",
		"tenant_id", job.tenantID,
		"entity_id", job.entityID,
		"kind", job.kind,
		"key", job.key,
		"error", lastErr)
}

// Close drains the queue and stops the worker. Emit after Close records
// synchronously.
func (e *Emitter) Close() {
	e.closedMu.Lock()
	if e.closed {
		e.closedMu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.closedMu.Unlock()
	e.wg.Wait()
}
