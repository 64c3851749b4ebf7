package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tubecast/internal/gate"
	"tubecast/internal/queue"
	"tubecast/internal/store"
)

// DefaultPollInterval is how often an idle worker checks the queue.
const DefaultPollInterval = 5 * time.Second

// Runner processes one claimed item.
type Runner interface {
	Process(ctx context.Context, itemID string, sink ProgressSink) error
}

// Worker claims entries from the queue and runs them through a Runner,
// bounded by the shared concurrency gate. Multiple workers may share one
// queue; a lost claim race surfaces as an invalid transition and the loser
// moves on.
type Worker struct {
	queue  *queue.Queue
	runner Runner
	gate   *gate.Gate
	poll   time.Duration
	id     int
}

// NewWorker creates a worker. A non-positive poll interval falls back to
// DefaultPollInterval.
func NewWorker(id int, q *queue.Queue, r Runner, g *gate.Gate, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Worker{queue: q, runner: r, gate: g, poll: poll, id: id}
}

// Run polls the queue until ctx is cancelled. Due retries are claimed ahead
// of fresh pending entries.
func (w *Worker) Run(ctx context.Context) {
	log := slog.With("worker", w.id)
	log.Info("Worker started")

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		worked := w.drain(ctx, log)
		if ctx.Err() != nil {
			log.Info("Worker stopped")
			return
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("Worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// drain claims and runs one entry, retries first. Reports whether an entry
// was claimed so the caller can skip the idle wait.
func (w *Worker) drain(ctx context.Context, log *slog.Logger) bool {
	entry := w.claimRetry(ctx, log)
	if entry == nil {
		entry = w.claimPending(ctx, log)
	}
	if entry == nil {
		return false
	}
	w.run(ctx, log, entry)
	return true
}

func (w *Worker) claimRetry(ctx context.Context, log *slog.Logger) *queue.Entry {
	due, err := w.queue.Retryable(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("Failed to list retryable entries", "error", err)
		}
		return nil
	}
	for _, e := range due {
		if w.claim(ctx, log, e) {
			return e
		}
	}
	return nil
}

func (w *Worker) claimPending(ctx context.Context, log *slog.Logger) *queue.Entry {
	e, err := w.queue.NextPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("Failed to poll queue", "error", err)
		}
		return nil
	}
	if e == nil {
		return nil
	}
	if !w.claim(ctx, log, e) {
		return nil
	}
	return e
}

func (w *Worker) claim(ctx context.Context, log *slog.Logger, e *queue.Entry) bool {
	err := w.queue.MarkInProgress(ctx, e.ID)
	if err == nil {
		return true
	}
	var ise *queue.InvalidStateError
	if errors.As(err, &ise) || errors.Is(err, queue.ErrNotFound) {
		// another worker got there first
		return false
	}
	if ctx.Err() == nil {
		log.Error("Failed to claim queue entry", "entry_id", e.ID, "error", err)
	}
	return false
}

func (w *Worker) run(ctx context.Context, log *slog.Logger, e *queue.Entry) {
	log = log.With("entry_id", e.ID, "item_id", e.ItemID, "attempt", e.Attempts+1)
	log.Debug("Claimed queue entry")

	err := w.gate.Execute(ctx, func(ctx context.Context) error {
		return w.runner.Process(ctx, e.ItemID, nil)
	})

	// Bookkeeping must land even when the worker is shutting down.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if err := w.queue.MarkCompleted(writeCtx, e.ID); err != nil {
			log.Error("Failed to mark entry completed", "error", err)
		}
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, gate.ErrDisposed):
		// shutdown: the entry stays in_progress and is not charged an attempt
		log.Info("Entry interrupted by shutdown")
	case errors.Is(err, store.ErrNotFound):
		// item or channel is gone; retrying can never succeed
		if abErr := w.queue.Abandon(writeCtx, e.ID, err.Error()); abErr != nil {
			log.Error("Failed to abandon entry", "error", abErr)
		} else {
			log.Warn("Entry abandoned", "error", err)
		}
	default:
		if mfErr := w.queue.MarkFailed(writeCtx, e.ID, err.Error(), nil); mfErr != nil {
			log.Error("Failed to mark entry failed", "error", mfErr)
		} else {
			log.Warn("Entry failed", "error", err)
		}
	}
}
