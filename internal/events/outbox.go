package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nyotapay/nyotapay/internal/metrics"
)

const defaultStaleClaim = time.Minute

// OutboxMessage is one row claimed from the transactional outbox. Attempts
// includes the claim that produced this message.
type OutboxMessage struct {
	ID       int64
	Topic    string
	Payload  []byte
	Attempts int32
}

// OutboxStore claims and settles outbox rows. Claiming must be safe under
// concurrent dispatchers: a claimed row stays invisible to other claimers
// until it is settled or its claim goes stale.
type OutboxStore interface {
	ClaimPendingEvents(ctx context.Context, limit int32, staleAfter time.Duration) ([]OutboxMessage, error)
	MarkEventPublished(ctx context.Context, id int64) error
	MarkEventFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error
}

// Dispatcher drains the outbox to a publisher. Rows that fail to publish are
// rescheduled with exponential backoff and retried until they go through, so
// delivery is at least once and consumers must dedupe.
type Dispatcher struct {
	store      OutboxStore
	publisher  Publisher
	logger     *slog.Logger
	interval   time.Duration
	batchSize  int32
	staleAfter time.Duration
}

func NewDispatcher(store OutboxStore, publisher Publisher, logger *slog.Logger, interval time.Duration, batchSize int32) *Dispatcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Dispatcher{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		batchSize:  batchSize,
		staleAfter: defaultStaleClaim,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("outbox dispatcher started", slog.Duration("interval", d.interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.logger.Error("outbox pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce claims one batch and attempts to publish every row in it. It is
// exported so tests and admin tooling can drain the outbox deterministically.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	msgs, err := d.store.ClaimPendingEvents(ctx, d.batchSize, d.staleAfter)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := d.deliver(ctx, msg); err != nil {
			metrics.OutboxRetries.Inc()
			d.logger.Warn("outbox delivery failed",
				slog.Int64("event_id", msg.ID),
				slog.String("topic", msg.Topic),
				slog.Int("attempts", int(msg.Attempts)),
				slog.String("error", err.Error()),
			)
			if markErr := d.store.MarkEventFailed(ctx, msg.ID, retryDelay(msg.Attempts), err.Error()); markErr != nil {
				d.logger.Error("outbox reschedule failed",
					slog.Int64("event_id", msg.ID),
					slog.String("error", markErr.Error()),
				)
			}
			continue
		}
		if err := d.store.MarkEventPublished(ctx, msg.ID); err != nil {
			// The event already went out; if this settle is lost the row is
			// reclaimed and published again, which consumers dedupe.
			d.logger.Error("outbox settle failed",
				slog.Int64("event_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg OutboxMessage) error {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return err
	}
	return d.publisher.Publish(ctx, msg.Topic, env)
}

func retryDelay(attempts int32) time.Duration {
	if attempts < 1 {
		return time.Second
	}
	if attempts > 8 {
		attempts = 8
	}
	delay := time.Duration(1<<attempts) * time.Second
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}
