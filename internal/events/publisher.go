// ABOUTME: RabbitMQ publisher for integration events using a durable topic exchange
// ABOUTME: Each publish waits for a broker confirm; the connection is redialled when it drops

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/storechat/internal/retry"
)

// Publisher sends integration events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// ErrNacked is returned when the broker refuses a message.
var ErrNacked = errors.New("broker nacked publish")

// RabbitOptions configures NewRabbitPublisher.
type RabbitOptions struct {
	URL           string
	Exchange      string
	RetryAttempts int           // dial attempts at startup, default 5
	RetryDelay    time.Duration // first backoff delay, default 500ms
}

// RabbitPublisher publishes envelopes to a topic exchange keyed by event type.
type RabbitPublisher struct {
	opts   RabbitOptions
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewRabbitPublisher dials the broker with exponential backoff and declares the exchange.
func NewRabbitPublisher(ctx context.Context, opts RabbitOptions, logger *slog.Logger) (*RabbitPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Exchange == "" {
		return nil, errors.New("events: exchange is required")
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}

	p := &RabbitPublisher{
		opts:   opts,
		logger: logger.With("component", "events"),
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}

	p.conn = conn
	p.logger.Info("connected to broker", "exchange", opts.Exchange)
	return p, nil
}

// dial connects with exponential backoff, respecting ctx for shutdown.
func (p *RabbitPublisher) dial(ctx context.Context) (*amqp.Connection, error) {
	backoff := retry.Backoff{Initial: p.opts.RetryDelay, Max: time.Minute}
	var conn *amqp.Connection
	attempt := 0
	err := retry.Do(ctx, backoff, p.opts.RetryAttempts, nil, func(ctx context.Context) error {
		attempt++
		c, err := amqp.Dial(p.opts.URL)
		if err != nil {
			p.logger.Warn("broker dial failed", "attempt", attempt, "error", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("events: connect after %d attempts: %w", attempt, err)
	}
	return conn, nil
}

// connection returns a live connection, redialling once if the old one dropped.
func (p *RabbitPublisher) connection(ctx context.Context) (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}

	p.logger.Warn("broker connection lost, redialling")
	saved := p.opts.RetryAttempts
	p.opts.RetryAttempts = 1
	conn, err := p.dial(ctx)
	p.opts.RetryAttempts = saved
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

// Publish sends env to the exchange with its type as routing key and waits for the broker confirm.
func (p *RabbitPublisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}

	conn, err := p.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("events: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("events: confirm mode: %w", err)
	}

	correlationID := env.Meta.CorrelationID
	if correlationID == "" {
		correlationID = env.Meta.ID
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.opts.Exchange, env.Meta.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlationID,
		Type:          env.Meta.Type,
		AppId:         env.Meta.Producer,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("events: await confirm: %w", err)
	}
	if !acked {
		return ErrNacked
	}

	p.logger.Debug("published", "type", env.Meta.Type, "id", env.Meta.ID)
	return nil
}

// Close closes the broker connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Ensure RabbitPublisher implements Publisher
var _ Publisher = (*RabbitPublisher)(nil)
