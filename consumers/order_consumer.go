package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"storefront/cart"
	"storefront/config"
	"storefront/events"
	"storefront/metrics"
	"storefront/models"
)

// errPoison marks a message that can never be processed.
var errPoison = errors.New("unprocessable message")

type OrderConsumer struct {
	carts       cart.Store
	publisher   events.Publisher
	logger      *zap.Logger
	maxAttempts int
}

// NewOrderConsumer builds the consumer. publisher re-schedules cart-clear
// retries; after maxAttempts the message is dead-lettered instead.
func NewOrderConsumer(carts cart.Store, publisher events.Publisher, logger *zap.Logger, maxAttempts int) *OrderConsumer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &OrderConsumer{carts: carts, publisher: publisher, logger: logger, maxAttempts: maxAttempts}
}

// Start registers the order queue and dead letter queue consumers. Deliveries
// are processed until ctx is done or the channel closes.
func (c *OrderConsumer) Start(ctx context.Context, ch *amqp.Channel, cfg *config.Config) error {
	// 消费主订单队列
	msgs, err := ch.Consume(
		cfg.OrderQueue,
		"storefront", // consumer tag
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register order consumer: %w", err)
	}

	// 消费死信队列
	dlqMsgs, err := ch.Consume(cfg.DeadLetterQueue, "storefront-dlq", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register dead letter consumer: %w", err)
	}

	go c.loop(ctx, msgs, c.process)
	go c.loop(ctx, dlqMsgs, c.processDeadLetter)
	return nil
}

func (c *OrderConsumer) loop(ctx context.Context, msgs <-chan amqp.Delivery, handle func(context.Context, amqp.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			handle(ctx, msg)
		}
	}
}

func (c *OrderConsumer) process(ctx context.Context, msg amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered from panic in message processing", zap.Any("panic", r))
			_ = msg.Nack(false, false)
		}
	}()

	eventType, err := c.handle(ctx, msg.Body)
	metrics.RecordConsumed(eventType, err == nil)
	if err != nil {
		c.logger.Error("Failed to process order event",
			zap.String("type", eventType), zap.ByteString("body", msg.Body), zap.Error(err))
		// 拒绝消息，不重新入队，交给死信队列
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to nack message", zap.Error(nackErr))
		}
		return
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("Failed to ack message", zap.Error(ackErr))
	}
}

// handle decodes and dispatches one event, returning its type for metrics.
func (c *OrderConsumer) handle(ctx context.Context, body []byte) (string, error) {
	var event models.OrderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return "invalid", fmt.Errorf("%w: %v", errPoison, err)
	}

	switch event.Type {
	case models.EventOrderCreated:
		c.logger.Info("Handling order created",
			zap.Int64("order_id", event.OrderID), zap.String("user_id", event.UserID),
			zap.String("total", event.Total.StringFixed(2)))
	case models.EventOrderStatusUpdated:
		c.logger.Info("Handling status update",
			zap.Int64("order_id", event.OrderID), zap.String("status", string(event.Status)))
	case models.EventCartClearRetry:
		return event.Type, c.retryCartClear(ctx, event)
	default:
		return "unknown", fmt.Errorf("%w: unknown event type %q", errPoison, event.Type)
	}
	return event.Type, nil
}

// retryCartClear removes the lines a checkout consumed from the owner's
// cart. Anything added after the checkout stays. Failures are re-scheduled
// until the attempt budget runs out.
func (c *OrderConsumer) retryCartClear(ctx context.Context, event models.OrderEvent) error {
	if event.UserID == "" {
		return fmt.Errorf("%w: cart retry without user", errPoison)
	}
	if len(event.Lines) == 0 {
		return fmt.Errorf("%w: cart retry for order %d without lines", errPoison, event.OrderID)
	}
	err := c.carts.RemoveLines(ctx, event.UserID, event.Lines)
	if err == nil {
		c.logger.Info("Cleared cart after checkout",
			zap.String("user_id", event.UserID), zap.Int64("order_id", event.OrderID), zap.Int("attempt", event.Attempt))
		return nil
	}
	if event.Attempt >= c.maxAttempts {
		return fmt.Errorf("clear cart for %s after %d attempts: %w", event.UserID, event.Attempt, err)
	}

	next := events.CartClearRetry(event.UserID, event.OrderID, event.Attempt+1, event.Lines)
	if pubErr := c.publisher.Publish(ctx, next); pubErr != nil {
		return errors.Join(err, pubErr)
	}
	c.logger.Warn("Cart clear failed, retry scheduled",
		zap.String("user_id", event.UserID), zap.Int("next_attempt", next.Attempt), zap.Error(err))
	return nil
}

func (c *OrderConsumer) processDeadLetter(_ context.Context, msg amqp.Delivery) {
	c.logger.Warn("Received dead letter",
		zap.String("type", msg.Type), zap.ByteString("body", msg.Body), zap.Any("x-death", msg.Headers["x-death"]))
	metrics.RecordConsumed("dead_letter", true)
	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack dead letter", zap.Error(err))
	}
}
