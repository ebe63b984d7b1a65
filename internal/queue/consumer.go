package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/order-fulfillment/internal/platform/telemetry"
)

// Subscription is one open delivery stream. Release is called once every delivery
// taken from it has been settled.
type Subscription struct {
	Deliveries <-chan amqp.Delivery
	Release    func()
}

type Source interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

type DelayedPublisher interface {
	PublishDelayed(ctx context.Context, env Envelope, delay time.Duration) error
}

// Handler processes one decoded order message. A returned error makes the consumer
// schedule a retry or, once retries are exhausted, drop the message.
type Handler interface {
	HandleOrder(ctx context.Context, env Envelope) error
}

// DropHandler is optionally implemented by a Handler to observe messages dropped
// after the last retry.
type DropHandler interface {
	HandleDropped(ctx context.Context, env Envelope, cause error)
}

type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// Outcome is how a single delivery was settled with the broker
type Outcome string

const (
	OutcomeAcked    Outcome = "acked"
	OutcomeRetried  Outcome = "retried"
	OutcomeRequeued Outcome = "requeued"
	OutcomeRejected Outcome = "rejected"
	OutcomeDropped  Outcome = "dropped"
)

const (
	minResubscribeBackoff = time.Second
	maxResubscribeBackoff = 30 * time.Second
)

type Consumer struct {
	source    Source
	publisher DelayedPublisher
	handler   Handler
	policy    RetryPolicy
	workers   int
	logger    *zap.Logger
	tracer    trace.Tracer
	outcomes  metric.Int64Counter
}

func NewConsumer(
	source Source,
	publisher DelayedPublisher,
	handler Handler,
	policy RetryPolicy,
	workers int,
	logger *zap.Logger,
	tracer trace.Tracer,
	meter metric.Meter,
) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		source:    source,
		publisher: publisher,
		handler:   handler,
		policy:    policy,
		workers:   workers,
		logger:    logger,
		tracer:    tracer,
		outcomes:  telemetry.Counter(meter, "queue.deliveries", "Deliveries settled by outcome"),
	}
}

// Run consumes until ctx is done, re-subscribing with backoff whenever the delivery
// stream closes underneath it.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := minResubscribeBackoff

	for {
		sub, err := c.source.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("⚠️ [QUEUE] Subscribe failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxResubscribeBackoff)
			continue
		}
		backoff = minResubscribeBackoff

		c.consume(ctx, sub)

		if ctx.Err() != nil {
			c.logger.Info("🛑 [QUEUE] Consumer stopped")
			return nil
		}
		c.logger.Warn("🔁 [QUEUE] Delivery stream closed, resubscribing")
	}
}

func (c *Consumer) consume(ctx context.Context, sub Subscription) {
	if sub.Release != nil {
		defer sub.Release()
	}

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range sub.Deliveries {
				// a delivery already taken off the stream is processed to completion
				c.process(context.WithoutCancel(ctx), d)
			}
		}()
	}
	wg.Wait()
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) Outcome {
	ctx = telemetry.ExtractAMQPHeaders(ctx, d.Headers)
	ctx, span := c.tracer.Start(ctx, "queue.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	outcome := c.settle(ctx, span, d)

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	return outcome
}

func (c *Consumer) settle(ctx context.Context, span trace.Span, d amqp.Delivery) Outcome {
	env, err := DecodeEnvelope(d.Body)
	if err != nil {
		c.logger.Error("❌ [QUEUE] Rejecting malformed message", zap.Error(err), zap.String("message_id", d.MessageId))
		span.SetStatus(codes.Error, err.Error())
		c.ackErr(d.Reject(false))
		return OutcomeRejected
	}

	log := c.logger.With(
		zap.String("order_id", env.OrderID),
		zap.String("product_id", env.ProductID),
		zap.Int("retries", env.Retries),
	)
	span.SetAttributes(
		attribute.String("order_id", env.OrderID),
		attribute.String("product_id", env.ProductID),
		attribute.Int("retries", env.Retries),
	)

	handleErr := c.handler.HandleOrder(ctx, env)
	if handleErr == nil {
		c.ackErr(d.Ack(false))
		return OutcomeAcked
	}
	span.RecordError(handleErr)

	if env.Retries >= c.policy.MaxRetries {
		cause := fmt.Errorf("%w after %d retries: %w", ErrDeliveryExhausted, env.Retries, handleErr)
		log.Error("💀 [QUEUE] Dropping order", zap.Error(cause))
		span.SetStatus(codes.Error, cause.Error())

		if dropper, ok := c.handler.(DropHandler); ok {
			dropper.HandleDropped(ctx, env, cause)
		}
		c.ackErr(d.Reject(false))
		return OutcomeDropped
	}

	next := env
	next.Retries++
	if err := c.publisher.PublishDelayed(ctx, next, c.policy.Delay); err != nil {
		log.Error("❌ [QUEUE] Retry publish failed, requeueing original", zap.Error(errors.Join(handleErr, err)))
		c.ackErr(d.Nack(false, true))
		return OutcomeRequeued
	}

	log.Warn("🔁 [QUEUE] Order failed, retry scheduled",
		zap.Error(handleErr),
		zap.Int("next_retry", next.Retries),
		zap.Duration("delay", c.policy.Delay),
	)
	c.ackErr(d.Ack(false))
	return OutcomeRetried
}

func (c *Consumer) ackErr(err error) {
	if err != nil {
		c.logger.Error("❌ [QUEUE] Failed to settle delivery", zap.Error(err))
	}
}
