package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryCountHeader tracks how many times a message went through the retry tiers.
const RetryCountHeader = "x-retry-count"

var retryDelays = []time.Duration{5 * time.Second, 30 * time.Second, 5 * time.Minute}

var (
	ErrClosed       = errors.New("queue manager closed")
	ErrNotConnected = errors.New("queue manager not connected")
)

type Config struct {
	URL            string
	Queue          string
	ReconnectDelay time.Duration
}

// Names derives every exchange and queue from the main queue name.
type Names struct {
	Queue           string
	DLXExchange     string
	DeadLetterQueue string
	RetryExchange   string
}

func NamesFor(queue string) Names {
	return Names{
		Queue:           queue,
		DLXExchange:     queue + ".dlx",
		DeadLetterQueue: queue + ".dead_letter",
		RetryExchange:   queue + ".retry",
	}
}

func retryQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.retry.%ds", queue, int(delay.Seconds()))
}

func retryRoutingKey(delay time.Duration) string {
	return fmt.Sprintf("retry.%ds", int(delay.Seconds()))
}

// RetryDelay picks the delay tier for the given attempt (1-based).
func RetryDelay(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return retryDelays[0]
	case attempt == 2:
		return retryDelays[1]
	default:
		return retryDelays[2]
	}
}

// Manager owns the broker connection and channel. Reconnect replaces both.
type Manager struct {
	cfg    Config
	names  Names
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool

	dial func(url string) (*amqp.Connection, error)
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		names:  NamesFor(cfg.Queue),
		logger: logger.With("component", "mq", "queue", cfg.Queue),
		dial:   amqp.Dial,
	}
}

// Connect dials until it succeeds or ctx is cancelled, waiting ReconnectDelay
// between attempts, then declares the topology and sets prefetch to one.
func (m *Manager) Connect(ctx context.Context) error {
	for {
		err := m.connectOnce()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		m.logger.Error("failed to connect to rabbitmq", "error", err, "retry_in", m.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.ReconnectDelay):
		}
	}
}

func (m *Manager) connectOnce() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.conn != nil && !m.conn.IsClosed() && m.ch != nil && !m.ch.IsClosed() {
		return nil
	}
	m.closeLocked()

	conn, err := m.dial(m.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := setupTopology(ch, m.names); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare topology: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	m.conn, m.ch = conn, ch
	m.logger.Info("connected to rabbitmq")
	return nil
}

// Reconnect drops the current connection (if any) and connects again.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.closeLocked()
	m.mu.Unlock()
	return m.Connect(ctx)
}

// setupTopology declares all necessary exchanges and queues. Idempotent.
func setupTopology(ch *amqp.Channel, n Names) error {
	// Dead-letter exchange and queue
	if err := ch.ExchangeDeclare(n.DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(n.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(n.DeadLetterQueue, "", n.DLXExchange, false, nil); err != nil {
		return err
	}

	// Main queue; rejected messages go to the DLX
	if _, err := ch.QueueDeclare(n.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": n.DLXExchange,
	}); err != nil {
		return err
	}

	// Retry queues with TTL dead-letter back into the main queue through the default exchange
	if err := ch.ExchangeDeclare(n.RetryExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	for _, delay := range retryDelays {
		q := retryQueueName(n.Queue, delay)
		if _, err := ch.QueueDeclare(q, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": n.Queue,
			"x-message-ttl":             int64(delay.Milliseconds()),
		}); err != nil {
			return err
		}
		if err := ch.QueueBind(q, retryRoutingKey(delay), n.RetryExchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) channel(ctx context.Context) (*amqp.Channel, error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return nil, ErrClosed
	}
	return m.ch, nil
}

// live returns the current channel without dialing.
func (m *Manager) live() (*amqp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.conn == nil || m.conn.IsClosed() || m.ch == nil || m.ch.IsClosed() {
		return nil, ErrNotConnected
	}
	return m.ch, nil
}

// Consume starts a manual-ack consumer on the main queue. The returned channel
// closes when the connection is lost.
func (m *Manager) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	ch, err := m.channel(ctx)
	if err != nil {
		return nil, err
	}
	return ch.Consume(
		m.names.Queue,
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

// Publish puts a raw job body on the main queue.
func (m *Manager) Publish(ctx context.Context, messageID string, body []byte) error {
	ch, err := m.channel(ctx)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx,
		"",            // default exchange
		m.names.Queue, // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now(),
			Body:         body,
		})
}

// Retry republishes body onto the delay tier for attempt; after the TTL the
// broker routes it back to the main queue. It only uses the channel the
// delivery arrived on and fails with ErrNotConnected instead of redialing.
func (m *Manager) Retry(ctx context.Context, messageID string, body []byte, attempt int) error {
	ch, err := m.live()
	if err != nil {
		return err
	}
	delay := RetryDelay(attempt)
	return ch.PublishWithContext(ctx,
		m.names.RetryExchange,
		retryRoutingKey(delay),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Body:         body,
			Headers:      amqp.Table{RetryCountHeader: int32(attempt)},
		})
}

func (m *Manager) closeLocked() {
	if m.ch != nil {
		m.ch.Close()
		m.ch = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// Close closes the channel, then the connection. Further Connect calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closeLocked()
}

// RetryCount reads the retry attempt counter from delivery headers.
func RetryCount(headers amqp.Table) int {
	switch v := headers[RetryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	default:
		return 0
	}
}
