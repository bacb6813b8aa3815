package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chat-bridge/pkg/job"
	"chat-bridge/pkg/mq"
	"chat-bridge/pkg/normalize"
	"chat-bridge/pkg/observability"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Decision is what happens to a queue message once processing ends.
type Decision int

const (
	Ack Decision = iota
	Requeue
	DeadLetter
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Queue is the broker side the consumer needs.
type Queue interface {
	Consume(ctx context.Context) (<-chan amqp.Delivery, error)
	Retry(ctx context.Context, messageID string, body []byte, attempt int) error
	Reconnect(ctx context.Context) error
}

// Gate blocks until the chat session can deliver.
type Gate interface {
	WaitReady(ctx context.Context) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, j *job.OutboundJob) []job.DeliveryResult
	Fail(recipients []string, mode job.Mode, err error) []job.DeliveryResult
}

// Recorder persists per-recipient outcomes. Optional.
type Recorder interface {
	RecordResults(ctx context.Context, jobID string, mode job.Mode, results []job.DeliveryResult) error
}

type Config struct {
	// ReadyWait bounds how long a job waits for the session before it is requeued.
	ReadyWait      time.Duration
	ReconnectDelay time.Duration
}

type Consumer struct {
	queue      Queue
	gate       Gate
	dispatcher Dispatcher
	recorder   Recorder
	cfg        Config
	logger     *slog.Logger
}

func New(queue Queue, gate Gate, dispatcher Dispatcher, recorder Recorder, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.ReadyWait <= 0 {
		cfg.ReadyWait = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:      queue,
		gate:       gate,
		dispatcher: dispatcher,
		recorder:   recorder,
		cfg:        cfg,
		logger:     logger.With("component", "consumer"),
	}
}

// Run consumes until ctx is cancelled. Losing the broker connection triggers a
// reconnect after ReconnectDelay; the message in flight is finished first.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		deliveries, err := c.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to start consuming", "error", err)
			if !c.wait(ctx) {
				return nil
			}
			continue
		}
		c.logger.Info("consumer started, waiting for messages")

		c.drain(ctx, deliveries)
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping")
			return nil
		}

		c.logger.Warn("delivery channel closed, reconnecting", "delay", c.cfg.ReconnectDelay)
		if !c.wait(ctx) {
			return nil
		}
		if err := c.queue.Reconnect(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("reconnect failed", "error", err)
		}
	}
}

func (c *Consumer) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.cfg.ReconnectDelay):
		return true
	}
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery and settles it with the broker. Dispatch runs
// detached from ctx so a shutdown does not abort a job midway.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) Decision {
	jobID := d.MessageId
	if jobID == "" {
		jobID = uuid.NewString()
	}
	l := c.logger.With("job_id", jobID)

	decision := c.process(ctx, jobID, d.Body, l)
	c.settle(ctx, l, jobID, d, decision)
	observability.MessagesConsumed.WithLabelValues(decision.String()).Inc()
	return decision
}

func (c *Consumer) process(ctx context.Context, jobID string, body []byte, l *slog.Logger) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("job processing panicked", "panic", r)
			decision = DeadLetter
		}
	}()

	payload, err := normalize.Parse(body)
	if err != nil {
		l.Warn("rejecting malformed message", "error", err)
		return DeadLetter
	}

	j, normErr := normalize.Normalize(payload)
	if normErr != nil && normalize.IsStructural(normErr) {
		l.Warn("rejecting malformed message", "error", normErr)
		return DeadLetter
	}

	runCtx := context.WithoutCancel(ctx)
	if normErr != nil {
		// undecodable media fails every recipient; nothing to retry
		l.Warn("media could not be decoded", "error", normErr, "recipients", len(payload.To))
		results := c.dispatcher.Fail(payload.To, job.ModeEncodedMedia, normErr)
		c.record(runCtx, l, jobID, job.ModeEncodedMedia, results)
		return Ack
	}
	j.ID = jobID
	l = l.With("mode", j.Mode, "recipients", len(j.Recipients))

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadyWait)
	err = c.gate.WaitReady(waitCtx)
	cancel()
	if err != nil {
		l.Warn("chat session not ready, requeueing", "error", err)
		return Requeue
	}

	start := time.Now()
	results := c.dispatcher.Dispatch(runCtx, j)
	observability.DispatchDuration.WithLabelValues(string(j.Mode)).Observe(time.Since(start).Seconds())

	failed := job.Failed(results)
	if failed > 0 {
		l.Warn("job dispatched with failures", "failed", failed, "sent", len(results)-failed)
	} else {
		l.Info("job dispatched", "sent", len(results))
	}
	c.record(runCtx, l, jobID, j.Mode, results)
	return Ack
}

func (c *Consumer) record(ctx context.Context, l *slog.Logger, jobID string, mode job.Mode, results []job.DeliveryResult) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordResults(ctx, jobID, mode, results); err != nil {
		l.Error("failed to record delivery results", "error", err)
	}
}

func (c *Consumer) settle(ctx context.Context, l *slog.Logger, jobID string, d amqp.Delivery, decision Decision) {
	var err error
	switch decision {
	case Ack:
		err = d.Ack(false)
	case DeadLetter:
		// the main queue's DLX routes rejected messages to the dead-letter queue
		err = d.Nack(false, false)
	case Requeue:
		attempt := mq.RetryCount(d.Headers) + 1
		if rerr := c.queue.Retry(context.WithoutCancel(ctx), jobID, d.Body, attempt); rerr != nil {
			l.Error("failed to publish to retry queue, requeueing in place", "error", rerr)
			err = d.Nack(false, true)
			break
		}
		l.Info("job scheduled for retry", "attempt", attempt, "delay", mq.RetryDelay(attempt))
		err = d.Ack(false)
	}
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		l.Error("failed to settle message", "decision", decision, "error", err)
	}
}
