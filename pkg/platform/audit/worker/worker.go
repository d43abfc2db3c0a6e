package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	audit "idverify/pkg/platform/audit"
)

// Outbox is the source side of the relay.
type Outbox interface {
	FetchPending(ctx context.Context, limit int) ([]audit.OutboxEntry, error)
	MarkProcessed(ctx context.Context, ids []uuid.UUID) error
}

// Sink receives relayed entries, typically the Kafka audit store.
type Sink interface {
	Relay(ctx context.Context, entry audit.OutboxEntry) error
}

// Worker polls the outbox and forwards rows to the sink. Rows are marked
// processed only after the sink accepted them; a failed row stops the batch
// so ordering per aggregate is preserved on the next poll.
type Worker struct {
	outbox    Outbox
	sink      Sink
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

type Option func(*Worker)

func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func NewWorker(outbox Outbox, sink Sink, opts ...Option) *Worker {
	w := &Worker{
		outbox:    outbox,
		sink:      sink,
		interval:  time.Second,
		batchSize: 100,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run relays until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.WarnContext(ctx, "outbox relay failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RelayOnce forwards one batch and returns how many rows were relayed.
func (w *Worker) RelayOnce(ctx context.Context) (int, error) {
	entries, err := w.outbox.FetchPending(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	done := make([]uuid.UUID, 0, len(entries))
	var relayErr error
	for _, entry := range entries {
		if relayErr = w.sink.Relay(ctx, entry); relayErr != nil {
			break
		}
		done = append(done, entry.ID)
	}
	if err := w.outbox.MarkProcessed(ctx, done); err != nil {
		return 0, err
	}
	return len(done), relayErr
}
