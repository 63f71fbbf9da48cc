// Package queue carries generation jobs from ingestion to the worker pool.
// Enqueue is a one-way send: the caller is acknowledged as soon as the
// inbound message is cached, never waiting on generation.
package queue

import (
	"context"
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
	"github.com/joelkehle/chatflow/internal/generate"
	"github.com/joelkehle/chatflow/internal/hotstore"
)

type Config struct {
	// QueueSize bounds the buffered job channel. A full queue rejects new
	// jobs instead of blocking ingestion.
	QueueSize int
	// Workers is the fixed concurrency bound of the pool.
	Workers int
	// MaxAttempts caps generation retries per job, first try included.
	MaxAttempts int
	// InitialBackoff seeds the exponential backoff between attempts.
	InitialBackoff time.Duration
	// HistoryLimit is how many recent messages feed the generator.
	HistoryLimit int
	Clock        func() time.Time
	Logger       *log.Logger
}

// HistorySource backfills conversation history when the hot store misses.
type HistorySource interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error)
}

// ProfileSource resolves character profiles, cache-first.
type ProfileSource interface {
	GetByID(ctx context.Context, characterID string) (*chat.Character, error)
}

// Broadcaster fans a message out to live subscribers of a conversation.
type Broadcaster interface {
	Broadcast(conversationID string, msg chat.Message)
}

// FlushScheduler receives messages for delayed durable persistence.
type FlushScheduler interface {
	ScheduleFlush(conversationID, userID, characterID string, msgs []chat.Message)
}

type Deps struct {
	Hot       hotstore.Store
	History   HistorySource
	Profiles  ProfileSource
	Generator generate.Generator
	Hub       Broadcaster
	Scheduler FlushScheduler
}

type Queue struct {
	cfg  Config
	deps Deps

	jobs chan chat.Job
	wg   sync.WaitGroup

	// mu orders Enqueue sends against the close in Stop. Enqueue holds the
	// read side across the closed-check and the send so Stop cannot close
	// the channel between the two.
	mu     sync.RWMutex
	closed bool

	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

func New(cfg Config, deps Deps) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "queue ", log.LstdFlags)
	}
	return &Queue{
		cfg:  cfg,
		deps: deps,
		jobs: make(chan chat.Job, cfg.QueueSize),
	}
}

// Enqueue hands a job to the pool without blocking. A full or closed queue
// returns a transient error; callers log it and move on, they never fail
// the originating request over it.
func (q *Queue) Enqueue(job chat.Job) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.cfg.Clock().UTC()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return chat.NewUnavailableError("generation queue is shut down")
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		q.rejected.Add(1)
		return chat.NewUnavailableError("generation queue is full")
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// the queue is drained after Stop.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Stop refuses further jobs and lets workers finish what is buffered.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

// Drain blocks until all in-flight and buffered jobs complete, or ctx
// expires. Call Stop first.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(ctx, job)
		}
	}
}

func (q *Queue) process(ctx context.Context, job chat.Job) {
	tracer := otel.Tracer("chatflow/queue")
	ctx, span := tracer.Start(ctx, "generate_job")
	span.SetAttributes(
		attribute.String("conversation.id", job.ConversationID),
		attribute.String("job.id", job.JobID),
	)
	defer span.End()

	character, err := q.fetchProfileWithRetry(ctx, job.CharacterID)
	if err != nil {
		span.RecordError(err)
		q.failJob(job, err)
		return
	}

	// Ingestion cached the inbound message before enqueueing, so it comes
	// back as part of history. The generator receives it once, as the new
	// turn, never as history too.
	history := withoutMessage(q.loadHistory(ctx, job.ConversationID), job.UserMessage.ID)

	text, err := q.generateWithRetry(ctx, *character, history, job.UserMessage.Content)
	if err != nil {
		span.RecordError(err)
		q.failJob(job, err)
		return
	}

	response := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: job.ConversationID,
		Sender:         chat.SenderCharacter,
		Type:           chat.MessageTypeText,
		Content:        text,
		CreatedAt:      q.cfg.Clock().UTC(),
	}
	if err := q.deps.Hot.Append(ctx, job.ConversationID, response); err != nil {
		// Non-fatal: subscribers still get the broadcast and the durable
		// tier gets the message via the scheduler.
		q.cfg.Logger.Printf("hot store append failed conversation=%s: %v", job.ConversationID, err)
	}
	q.deps.Hub.Broadcast(job.ConversationID, response)

	q.deps.Scheduler.ScheduleFlush(job.ConversationID, job.UserID, job.CharacterID,
		[]chat.Message{job.UserMessage, response})
	q.processed.Add(1)
}

func withoutMessage(msgs []chat.Message, id string) []chat.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func (q *Queue) fetchProfileWithRetry(ctx context.Context, characterID string) (*chat.Character, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = q.cfg.InitialBackoff

	return backoff.Retry(ctx, func() (*chat.Character, error) {
		c, err := q.deps.Profiles.GetByID(ctx, characterID)
		if err != nil {
			if !generate.IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return c, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(q.cfg.MaxAttempts)))
}

// loadHistory reads recent context cache-first. On a miss the durable tier
// is consulted and the cache repopulated so the next job hits.
func (q *Queue) loadHistory(ctx context.Context, conversationID string) []chat.Message {
	history, err := q.deps.Hot.Recent(ctx, conversationID, q.cfg.HistoryLimit)
	if err != nil {
		q.cfg.Logger.Printf("hot store read failed conversation=%s: %v", conversationID, err)
		history = nil
	}
	if len(history) > 0 {
		return history
	}

	durableHistory, err := q.deps.History.RecentMessages(ctx, conversationID, q.cfg.HistoryLimit)
	if err != nil {
		q.cfg.Logger.Printf("durable history read failed conversation=%s: %v", conversationID, err)
		return []chat.Message{}
	}
	for _, m := range durableHistory {
		if err := q.deps.Hot.Append(ctx, conversationID, m); err != nil {
			q.cfg.Logger.Printf("hot store repopulate failed conversation=%s: %v", conversationID, err)
			break
		}
	}
	return durableHistory
}

func (q *Queue) generateWithRetry(ctx context.Context, character chat.Character, history []chat.Message, userText string) (string, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = q.cfg.InitialBackoff

	return backoff.Retry(ctx, func() (string, error) {
		text, err := q.deps.Generator.Generate(ctx, character, history, userText)
		if err != nil {
			if !generate.IsTransient(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return text, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(q.cfg.MaxAttempts)))
}

// failJob terminates a job after exhausted retries: subscribers get a
// system error message, and the inbound user message still goes to the
// scheduler so it is not lost when the hot store expires.
func (q *Queue) failJob(job chat.Job, cause error) {
	q.failed.Add(1)
	q.cfg.Logger.Printf("job failed job=%s conversation=%s: %v", job.JobID, job.ConversationID, cause)

	notice := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: job.ConversationID,
		Sender:         chat.SenderSystem,
		Type:           chat.MessageTypeError,
		Content:        "The character could not respond. Please try again.",
		CreatedAt:      q.cfg.Clock().UTC(),
	}
	q.deps.Hub.Broadcast(job.ConversationID, notice)

	q.deps.Scheduler.ScheduleFlush(job.ConversationID, job.UserID, job.CharacterID,
		[]chat.Message{job.UserMessage})
}

// Stats reports queue counters for health endpoints.
func (q *Queue) Stats() (processed, failed, rejected int64) {
	return q.processed.Load(), q.failed.Load(), q.rejected.Load()
}
