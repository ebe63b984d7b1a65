package orders

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/order-fulfillment/internal/stock"
)

// OrderUseCase is the order ledger: creation and the one-way pending → terminal transitions
type OrderUseCase struct {
	repository Repository
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewOrderUseCase cria uma nova instância de OrderUseCase
func NewOrderUseCase(repository Repository, tracer trace.Tracer, logger *zap.Logger) *OrderUseCase {
	return &OrderUseCase{
		repository: repository,
		tracer:     tracer,
		logger:     logger,
	}
}

// Create inserts a pending order and returns its id
func (uc *OrderUseCase) Create(ctx context.Context, productID string, quantity int) (string, error) {
	ctx, span := uc.tracer.Start(ctx, "orders.create")
	defer span.End()

	order := NewOrder(productID, quantity)
	span.SetAttributes(
		attribute.String("order_id", order.OrderID),
		attribute.String("product_id", productID),
	)

	if err := uc.repository.CreateOrder(ctx, order); err != nil {
		uc.logger.Error("❌ [ORDER] Failed to create order", zap.String("order_id", order.OrderID), zap.Error(err))
		span.RecordError(err)
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	uc.logger.Info("📝 [ORDER] Created",
		zap.String("order_id", order.OrderID),
		zap.String("product_id", productID),
		zap.Int("quantity", quantity),
	)
	return order.OrderID, nil
}

// MarkCompleted records the reservation and completes a pending order.
// An order that is already terminal is left untouched.
func (uc *OrderUseCase) MarkCompleted(ctx context.Context, orderID string, details []stock.VendorAllocation) error {
	ctx, span := uc.tracer.Start(ctx, "orders.mark_completed")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	updated, err := uc.repository.CompleteOrder(ctx, orderID, details)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if updated {
		uc.logger.Info("✅ [ORDER] Completed", zap.String("order_id", orderID), zap.Any("allocations", details))
		return nil
	}

	return uc.explainNoTransition(ctx, orderID, StatusCompleted)
}

// MarkFailed records message and fails a pending order.
// An order that is already terminal is left untouched.
func (uc *OrderUseCase) MarkFailed(ctx context.Context, orderID, message string) error {
	ctx, span := uc.tracer.Start(ctx, "orders.mark_failed")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	updated, err := uc.repository.FailOrder(ctx, orderID, message)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if updated {
		uc.logger.Warn("⛔ [ORDER] Failed", zap.String("order_id", orderID), zap.String("reason", message))
		return nil
	}

	return uc.explainNoTransition(ctx, orderID, StatusFailed)
}

// explainNoTransition tells an unknown order apart from one that is already terminal
func (uc *OrderUseCase) explainNoTransition(ctx context.Context, orderID string, target Status) error {
	order, err := uc.repository.GetOrder(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	uc.logger.Info("ℹ️  [IDEMPOTENCY] Order already terminal, skipping transition",
		zap.String("order_id", orderID),
		zap.String("status", string(order.Status)),
		zap.String("target", string(target)),
	)
	return nil
}

func (uc *OrderUseCase) GetStatus(ctx context.Context, orderID string) (Status, error) {
	order, err := uc.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	return order.Status, nil
}

func (uc *OrderUseCase) Get(ctx context.Context, orderID string) (*Order, error) {
	order, err := uc.repository.GetOrder(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return order, nil
}
