package outbox

import (
	"context"
	"log/slog"
	"time"

	"chat-bridge/pkg/database"
	"chat-bridge/pkg/observability"
)

type Source interface {
	FetchOutboxMessages(ctx context.Context, limit int) ([]database.OutboxMessage, error)
	DeleteOutboxMessage(ctx context.Context, id string) error
}

type Publisher interface {
	Publish(ctx context.Context, messageID string, body []byte) error
}

// Relay moves outbox rows onto the queue. A row is deleted only after the
// broker accepted it, so a crash in between publishes it twice, never zero times.
type Relay struct {
	source    Source
	publisher Publisher
	interval  time.Duration
	batch     int
	logger    *slog.Logger
}

func NewRelay(source Source, publisher Publisher, interval time.Duration, batch int, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{source: source, publisher: publisher, interval: interval, batch: batch, logger: logger.With("component", "outbox")}
}

// Run flushes the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush publishes one batch and returns how many rows were relayed.
func (r *Relay) Flush(ctx context.Context) int {
	messages, err := r.source.FetchOutboxMessages(ctx, r.batch)
	if err != nil {
		r.logger.Error("failed to fetch outbox messages", "error", err)
		return 0
	}

	relayed := 0
	for _, m := range messages {
		if err := r.publisher.Publish(ctx, m.ID, []byte(m.Payload)); err != nil {
			r.logger.Error("failed to publish message from outbox", "error", err, "job_id", m.ID)
			observability.OutboxPublished.WithLabelValues("failed").Inc()
			// keep ordering: later rows wait for the next tick
			break
		}
		observability.OutboxPublished.WithLabelValues("published").Inc()

		if err := r.source.DeleteOutboxMessage(ctx, m.ID); err != nil {
			r.logger.Error("failed to delete outbox message after publish", "error", err, "job_id", m.ID)
			continue
		}
		relayed++
		r.logger.Debug("published message from outbox", "job_id", m.ID)
	}
	return relayed
}
