// Package flush drains due pending batches into the durable store. One
// logical poller runs per cluster: overlapping ticks are excluded
// in-process, and a distributed lease covers multi-instance deployments.
package flush

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joelkehle/chatflow/internal/chat"
)

type Config struct {
	// PollInterval is how often due conversations are checked.
	PollInterval time.Duration
	// MaxBatchSize caps one durable merge. Oversized batches are truncated
	// to the most recent MaxBatchSize messages with a logged warning.
	MaxBatchSize int
	// MaxAttempts caps merge retries per batch, first try included.
	MaxAttempts int
	// InitialBackoff seeds the exponential backoff between merge attempts.
	InitialBackoff time.Duration
	// LeaseTTL, when positive together with a Leases handle, gates each
	// poll cycle on holding the cluster-wide flush lease.
	LeaseTTL time.Duration
	// ShutdownGrace bounds the forced final pass when Run exits.
	ShutdownGrace time.Duration
	Clock         func() time.Time
	Logger        *log.Logger
}

// Merger is the durable store operation a flush performs. It must be
// idempotent: flushing the same batch twice has no observable effect.
type Merger interface {
	MergeMessages(ctx context.Context, conversationID, userID, characterID string, msgs []chat.Message) error
}

// DeadLetterSink receives batches that exhausted their merge retries.
type DeadLetterSink interface {
	Append(ctx context.Context, batch chat.PendingBatch, cause error) (int64, error)
}

// Batches is the scheduler surface the worker consumes.
type Batches interface {
	Due(asOf time.Time) []string
	Pending() []string
	Snapshot(conversationID string) (chat.PendingBatch, bool)
	ClearPrefix(conversationID string, n int)
	Clear(conversationID string)
}

// Leases guards cluster-wide exclusivity. Optional.
type Leases interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

const leaseName = "batch-flush"

type Worker struct {
	cfg     Config
	merger  Merger
	sink    DeadLetterSink
	batches Batches
	leases  Leases
	holder  string

	runMu sync.Mutex

	flushed      atomic.Int64
	deadlettered atomic.Int64
	truncated    atomic.Int64
}

func NewWorker(cfg Config, merger Merger, sink DeadLetterSink, batches Batches, leases Leases) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "flush ", log.LstdFlags)
	}
	return &Worker{
		cfg:     cfg,
		merger:  merger,
		sink:    sink,
		batches: batches,
		leases:  leases,
		holder:  uuid.NewString(),
	}
}

// Run polls on a fixed interval until ctx is cancelled, then forces one
// final pass over everything still pending before returning.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownGrace)
			w.FlushAll(finalCtx)
			cancel()
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce flushes every due conversation. Ticks never overlap: a tick that
// arrives while the previous one is still flushing is skipped.
func (w *Worker) RunOnce(ctx context.Context) {
	if !w.runMu.TryLock() {
		return
	}
	defer w.runMu.Unlock()

	if !w.holdLease(ctx) {
		return
	}

	now := w.cfg.Clock().UTC()
	for _, conversationID := range w.batches.Due(now) {
		w.flushOne(ctx, conversationID)
	}
}

// FlushAll flushes every pending conversation regardless of due time.
// Used for the forced shutdown pass. It deliberately skips the lease: a
// stopping instance must not strand its buffered batches behind a peer's
// lease, and merges are idempotent so overlapping with the lease holder
// is at-least-once, never duplication.
func (w *Worker) FlushAll(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	for _, conversationID := range w.batches.Pending() {
		w.flushOne(ctx, conversationID)
	}
}

func (w *Worker) holdLease(ctx context.Context) bool {
	if w.leases == nil || w.cfg.LeaseTTL <= 0 {
		return true
	}
	ok, err := w.leases.Acquire(ctx, leaseName, w.holder, w.cfg.LeaseTTL)
	if err != nil {
		w.cfg.Logger.Printf("lease acquire failed: %v", err)
		return false
	}
	return ok
}

func (w *Worker) flushOne(ctx context.Context, conversationID string) {
	tracer := otel.Tracer("chatflow/flush")
	ctx, span := tracer.Start(ctx, "flush_conversation")
	span.SetAttributes(attribute.String("conversation.id", conversationID))
	defer span.End()

	batch, ok := w.batches.Snapshot(conversationID)
	if !ok || len(batch.Messages) == 0 {
		w.batches.Clear(conversationID)
		return
	}
	snapshotLen := len(batch.Messages)

	toMerge := batch.Messages
	if len(toMerge) > w.cfg.MaxBatchSize {
		dropped := len(toMerge) - w.cfg.MaxBatchSize
		toMerge = toMerge[dropped:]
		w.truncated.Add(int64(dropped))
		// Data-loss risk accepted from the legacy behavior: only the most
		// recent MaxBatchSize messages survive an oversized batch.
		w.cfg.Logger.Printf("warning: batch truncated conversation=%s dropped=%d kept=%d",
			conversationID, dropped, len(toMerge))
	}

	err := w.mergeWithRetry(ctx, batch, toMerge)
	if err == nil {
		w.batches.ClearPrefix(conversationID, snapshotLen)
		w.flushed.Add(int64(len(toMerge)))
		return
	}
	span.RecordError(err)

	if _, dlqErr := w.sink.Append(ctx, batch, err); dlqErr != nil {
		// Keep the batch and schedule entry; the next tick retries the
		// whole cycle rather than dropping messages on the floor.
		w.cfg.Logger.Printf("dead letter write failed conversation=%s: %v (batch retained)", conversationID, dlqErr)
		return
	}
	w.batches.ClearPrefix(conversationID, snapshotLen)
	w.deadlettered.Add(1)
	w.cfg.Logger.Printf("alert: batch dead-lettered conversation=%s messages=%d cause=%v",
		conversationID, snapshotLen, err)
}

func (w *Worker) mergeWithRetry(ctx context.Context, batch chat.PendingBatch, msgs []chat.Message) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = w.cfg.InitialBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := w.merger.MergeMessages(ctx, batch.ConversationID, batch.UserID, batch.CharacterID, msgs); err != nil {
			if !isTransient(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(w.cfg.MaxAttempts)))
	return err
}

func isTransient(err error) bool {
	var ce *chat.Error
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return true
}

// Stats reports flush counters for health endpoints.
func (w *Worker) Stats() (flushed, deadlettered, truncated int64) {
	return w.flushed.Load(), w.deadlettered.Load(), w.truncated.Load()
}
