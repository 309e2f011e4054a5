package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storefront/config"
	"storefront/models"
)

// highValueOrder is the total above which order.created jumps the queue.
var highValueOrder = decimal.NewFromInt(1000)

type RabbitMQ struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Cfg     *config.Config

	logger *zap.Logger
	// amqp channels are not safe for concurrent publishing
	mu      sync.Mutex
	delayed bool
}

func NewRabbitMQ(cfg *config.Config, logger *zap.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &RabbitMQ{
		Conn:    conn,
		Channel: ch,
		Cfg:     cfg,
		logger:  logger,
	}, nil
}

func (r *RabbitMQ) SetupQueues() error {
	dlx := r.Cfg.DeadLetterQueue + "_exchange"

	// 声明死信交换机和队列
	if err := r.Channel.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter exchange: %w", err)
	}
	if _, err := r.Channel.QueueDeclare(
		r.Cfg.DeadLetterQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-queue-type": "classic"},
	); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}
	if err := r.Channel.QueueBind(r.Cfg.DeadLetterQueue, r.Cfg.DeadLetterQueue, dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead letter queue: %w", err)
	}

	if err := r.Channel.ExchangeDeclare(r.Cfg.OrderExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare order exchange: %w", err)
	}

	// 声明主订单队列（带优先级和死信）
	if _, err := r.Channel.QueueDeclare(
		r.Cfg.OrderQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-max-priority":            r.Cfg.MaxPriority,
			"x-dead-letter-exchange":    dlx,
			"x-dead-letter-routing-key": r.Cfg.DeadLetterQueue,
		},
	); err != nil {
		return fmt.Errorf("declare order queue: %w", err)
	}
	if err := r.Channel.QueueBind(r.Cfg.OrderQueue, "", r.Cfg.OrderExchange, false, nil); err != nil {
		return fmt.Errorf("bind order queue: %w", err)
	}

	return r.setupDelayExchange()
}

// setupDelayExchange needs the delayed-message plugin. Without it retries are
// published straight to the order exchange.
func (r *RabbitMQ) setupDelayExchange() error {
	err := r.Channel.ExchangeDeclare(
		r.Cfg.DelayExchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	)
	if err != nil {
		r.logger.Warn("Delayed exchange not supported, retries will not be delayed", zap.Error(err))
		// a failed declare closes the channel
		ch, chErr := r.Conn.Channel()
		if chErr != nil {
			return fmt.Errorf("reopen channel: %w", chErr)
		}
		r.Channel = ch
		return nil
	}
	if err := r.Channel.QueueBind(r.Cfg.OrderQueue, "", r.Cfg.DelayExchange, false, nil); err != nil {
		return fmt.Errorf("bind delay exchange: %w", err)
	}
	r.delayed = true
	return nil
}

// Priority orders events inside the priority queue.
func Priority(event models.OrderEvent) uint8 {
	switch event.Type {
	case models.EventOrderCreated:
		if event.Total.GreaterThan(highValueOrder) {
			return 9
		}
		return 5
	case models.EventOrderStatusUpdated:
		if event.Status == models.OrderStatusCancelled {
			return 8
		}
		return 5
	default:
		return 1
	}
}

func newPublishing(event models.OrderEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		Type:         event.Type,
		Body:         body,
		Priority:     Priority(event),
	}, nil
}

// Publish sends an order event. Cart-clear retries go through the delay
// exchange.
func (r *RabbitMQ) Publish(ctx context.Context, event models.OrderEvent) error {
	if event.Type == models.EventCartClearRetry {
		return r.PublishDelayed(ctx, event, r.Cfg.CartRetryDelay)
	}
	msg, err := newPublishing(event)
	if err != nil {
		return err
	}
	return r.publish(ctx, r.Cfg.OrderExchange, msg)
}

func (r *RabbitMQ) PublishDelayed(ctx context.Context, event models.OrderEvent, delay time.Duration) error {
	msg, err := newPublishing(event)
	if err != nil {
		return err
	}
	if !r.delayed {
		return r.publish(ctx, r.Cfg.OrderExchange, msg)
	}
	msg.Headers = amqp.Table{"x-delay": delay.Milliseconds()} // 延迟时间（毫秒）
	return r.publish(ctx, r.Cfg.DelayExchange, msg)
}

func (r *RabbitMQ) publish(ctx context.Context, exchange string, msg amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Channel.PublishWithContext(ctx, exchange, "", false, false, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.Type, exchange, err)
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	var firstErr error
	if r.Channel != nil {
		if err := r.Channel.Close(); err != nil {
			firstErr = err
		}
	}
	if r.Conn != nil {
		if err := r.Conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
