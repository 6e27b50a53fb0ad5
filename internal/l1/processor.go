// Package l1 is the Layer-1 batch dispatcher: an in-memory FIFO of queued
// reflex work flushed to the external host by size or by age.
package l1

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/metrics"
	"github.com/clawbuds/backend/internal/notifier"
	"github.com/clawbuds/backend/internal/reflex"
	"github.com/clawbuds/backend/internal/repo"
)

// BatchProcessor drains queued Layer-1 items into notifier batches.
type BatchProcessor struct {
	store     repo.Store
	notifier  notifier.Notifier
	clock     clock.Clock
	batchSize int
	maxWait   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	queue []reflex.QueueItem

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewBatchProcessor(store repo.Store, n notifier.Notifier, clk clock.Clock, batchSize int, maxWait time.Duration, logger *slog.Logger) *BatchProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxWait <= 0 {
		maxWait = 10 * time.Minute
	}
	return &BatchProcessor{
		store:     store,
		notifier:  n,
		clock:     clk,
		batchSize: batchSize,
		maxWait:   maxWait,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Instrument attaches the Prometheus bundle. Startup-time only.
func (p *BatchProcessor) Instrument(m *metrics.Metrics) {
	p.metrics = m
}

// Enqueue appends one item and wakes the flush loop when the size trigger is
// reached. Safe for concurrent use.
func (p *BatchProcessor) Enqueue(item reflex.QueueItem) {
	p.mu.Lock()
	p.queue = append(p.queue, item)
	full := len(p.queue) >= p.batchSize
	p.metrics.SetL1QueueDepth(len(p.queue))
	p.mu.Unlock()
	if full {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// QueueDepth returns the current number of queued items.
func (p *BatchProcessor) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Start launches the flush loop. Stop with Stop.
func (p *BatchProcessor) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop terminates the loop after a final flush of whatever is queued.
func (p *BatchProcessor) Stop() {
	close(p.stop)
	<-p.done
}

func (p *BatchProcessor) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			p.flushReady(ctx, true)
			return
		case <-ctx.Done():
			return
		case <-p.wake:
			p.flushReady(ctx, false)
		case <-ticker.C:
			p.flushReady(ctx, false)
		}
	}
}

// flushReady drains batches while a flush trigger holds. force drains the
// remainder regardless of triggers.
func (p *BatchProcessor) flushReady(ctx context.Context, force bool) {
	for {
		batch := p.takeBatch(force)
		if len(batch) == 0 {
			return
		}
		p.dispatch(ctx, batch)
	}
}

// takeBatch atomically removes up to batchSize items when the size or age
// trigger holds.
func (p *BatchProcessor) takeBatch(force bool) []reflex.QueueItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	aged := p.clock.Now().Sub(p.queue[0].EnqueuedAt) >= p.maxWait
	if !force && !aged && len(p.queue) < p.batchSize {
		return nil
	}
	n := len(p.queue)
	if n > p.batchSize {
		n = p.batchSize
	}
	batch := make([]reflex.QueueItem, n)
	copy(batch, p.queue[:n])
	p.queue = append(p.queue[:0], p.queue[n:]...)
	p.metrics.SetL1QueueDepth(len(p.queue))
	return batch
}

// dispatch advances each item's audit record to dispatched_to_l1 and pushes
// the batch to the host. Notifier failures are logged, never re-thrown.
func (p *BatchProcessor) dispatch(ctx context.Context, batch []reflex.QueueItem) {
	batchID := uuid.NewString()
	items := make([]interface{}, 0, len(batch))
	for _, item := range batch {
		if err := p.store.Executions().UpdateResult(ctx, item.ExecutionID, core.ResultDispatchedToL1, batchID); err != nil {
			p.logger.Error("dispatch record update failed",
				"batch_id", batchID, "execution_id", item.ExecutionID, "error", err)
		}
		items = append(items, item)
	}

	p.metrics.RecordL1Batch(len(batch))
	p.logger.Info("layer-1 batch dispatched", "batch_id", batchID, "items", len(batch))
	err := p.notifier.TriggerAgent(ctx, notifier.Notification{
		BatchID: batchID,
		Type:    notifier.TypeReflexBatch,
		Message: fmt.Sprintf("%d reflex item(s) awaiting deliberation", len(batch)),
		Items:   items,
	})
	if err != nil {
		p.logger.Warn("batch notification failed", "batch_id", batchID, "error", err)
	}
}

// AcknowledgeBatch marks the batch's records l1_acknowledged and returns how
// many records changed. Unknown batches return 0.
func (p *BatchProcessor) AcknowledgeBatch(ctx context.Context, batchID string) (int, error) {
	return p.store.Executions().UpdateResultByBatch(ctx, batchID, core.ResultDispatchedToL1, core.ResultL1Acknowledged)
}
