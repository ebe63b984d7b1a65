package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/order-fulfillment/internal/platform/telemetry"
	"github.com/matheusmosca/order-fulfillment/internal/queue"
	"github.com/matheusmosca/order-fulfillment/internal/stock"
)

type Ledger interface {
	Create(ctx context.Context, productID string, quantity int) (string, error)
	MarkCompleted(ctx context.Context, orderID string, details []stock.VendorAllocation) error
	MarkFailed(ctx context.Context, orderID, message string) error
	GetStatus(ctx context.Context, orderID string) (Status, error)
}

type Reserver interface {
	Reserve(ctx context.Context, orderID, productID string, quantity int) (*stock.Reservation, error)
	Reserved(ctx context.Context, orderID string) ([]stock.VendorAllocation, error)
}

type Publisher interface {
	Publish(ctx context.Context, env queue.Envelope) error
}

// Pipeline accepts orders, queues them and fulfils them from vendor stock
type Pipeline struct {
	ledger    Ledger
	reserver  Reserver
	publisher Publisher
	tracer    trace.Tracer
	logger    *zap.Logger

	submitted metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
}

func NewPipeline(
	ledger Ledger,
	reserver Reserver,
	publisher Publisher,
	tracer trace.Tracer,
	logger *zap.Logger,
	meter metric.Meter,
) *Pipeline {
	return &Pipeline{
		ledger:    ledger,
		reserver:  reserver,
		publisher: publisher,
		tracer:    tracer,
		logger:    logger,
		submitted: telemetry.Counter(meter, "orders.submitted", "Orders accepted and queued"),
		completed: telemetry.Counter(meter, "orders.completed", "Orders fulfilled from vendor stock"),
		failed:    telemetry.Counter(meter, "orders.failed", "Orders that could not be fulfilled"),
	}
}

// Submit validates the request, records a pending order and queues it for processing
func (p *Pipeline) Submit(ctx context.Context, productID string, quantity int) (string, error) {
	ctx, span := p.tracer.Start(ctx, "orders.submit")
	defer span.End()

	if productID == "" {
		return "", fmt.Errorf("%w: productId is required", ErrInvalidRequest)
	}
	if quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be a positive integer", ErrInvalidRequest)
	}
	if quantity > MaxQuantity {
		return "", fmt.Errorf("%w: quantity must not exceed %d", ErrInvalidRequest, MaxQuantity)
	}

	orderID, err := p.ledger.Create(ctx, productID, quantity)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("order_id", orderID))

	env := queue.Envelope{OrderID: orderID, ProductID: productID, Quantity: quantity, Retries: 0}
	if err := p.publisher.Publish(ctx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")

		// the order never reaches a consumer, so it must not stay pending
		if markErr := p.ledger.MarkFailed(ctx, orderID, "failed to queue order: "+err.Error()); markErr != nil {
			p.logger.Error("❌ [SUBMIT] Failed to mark unqueued order", zap.String("order_id", orderID), zap.Error(markErr))
		}
		p.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "publish")))
		return "", fmt.Errorf("failed to queue order %s: %w", orderID, err)
	}

	p.submitted.Add(ctx, 1)
	p.logger.Info("📨 [SUBMIT] Order queued", zap.String("order_id", orderID), zap.String("product_id", productID))
	return orderID, nil
}

// HandleOrder fulfils one queued order. Orders that are already terminal are skipped so a
// redelivered message is harmless. A reservation failure fails the order and is returned
// so the consumer can decide about retrying.
func (p *Pipeline) HandleOrder(ctx context.Context, env queue.Envelope) error {
	ctx, span := p.tracer.Start(ctx, "orders.handle")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", env.OrderID),
		attribute.String("product_id", env.ProductID),
		attribute.Int("retries", env.Retries),
	)
	log := p.logger.With(zap.String("order_id", env.OrderID), zap.Int("retries", env.Retries))

	status, err := p.ledger.GetStatus(ctx, env.OrderID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load order %s: %w", env.OrderID, err)
	}
	if status.IsTerminal() {
		log.Info("ℹ️  [IDEMPOTENCY] Order already processed", zap.String("status", string(status)))
		return nil
	}

	reservation, err := p.reserver.Reserve(ctx, env.OrderID, env.ProductID, env.Quantity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if markErr := p.ledger.MarkFailed(ctx, env.OrderID, err.Error()); markErr != nil {
			return errors.Join(fmt.Errorf("reservation failed for order %s: %w", env.OrderID, err), markErr)
		}
		p.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "reserve")))
		log.Warn("❌ [ORDER] Reservation failed", zap.Error(err))
		return fmt.Errorf("reservation failed for order %s: %w", env.OrderID, err)
	}

	if err := p.ledger.MarkCompleted(ctx, env.OrderID, reservation.ReservedFromVendors); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to complete order %s: %w", env.OrderID, err)
	}

	p.completed.Add(ctx, 1)
	log.Info("✅ [ORDER] Fulfilled", zap.Any("allocations", reservation.ReservedFromVendors))
	return nil
}

// HandleDropped fails an order whose message exhausted its retries. When stock was already
// reserved for it (the reservation committed but completion kept failing) the allocation
// stays in place and is reported in the failure message.
func (p *Pipeline) HandleDropped(ctx context.Context, env queue.Envelope, cause error) {
	log := p.logger.With(zap.String("order_id", env.OrderID), zap.String("product_id", env.ProductID))
	message := cause.Error()

	held, err := p.reserver.Reserved(ctx, env.OrderID)
	if err != nil {
		log.Warn("⚠️ [ORDER] Could not check reservation of dropped order", zap.Error(err))
	}
	if len(held) > 0 {
		log.Error("🚨 [ORDER] Dropped order still holds reserved stock", zap.Any("allocations", held))
		message = fmt.Sprintf("%s; stock remains reserved: %s", message, formatAllocations(held))
	}

	if err := p.ledger.MarkFailed(ctx, env.OrderID, message); err != nil {
		log.Error("❌ [ORDER] Failed to mark dropped order", zap.NamedError("cause", cause), zap.Error(err))
	}
}

func formatAllocations(allocations []stock.VendorAllocation) string {
	parts := make([]string, 0, len(allocations))
	for _, a := range allocations {
		parts = append(parts, fmt.Sprintf("%s=%d", a.VendorName, a.Quantity))
	}
	return strings.Join(parts, ",")
}
