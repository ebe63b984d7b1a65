package stock

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StockUseCase contém a lógica de negócio do estoque multi-vendor
type StockUseCase struct {
	repository StockRepository
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewStockUseCase cria uma nova instância de StockUseCase
func NewStockUseCase(repository StockRepository, tracer trace.Tracer, logger *zap.Logger) *StockUseCase {
	return &StockUseCase{
		repository: repository,
		tracer:     tracer,
		logger:     logger,
	}
}

// Reserve decrements quantity units of productID across vendors under pessimistic row locks.
// A repeated call for the same orderID returns the allocation recorded by the first call.
func (uc *StockUseCase) Reserve(ctx context.Context, orderID, productID string, quantity int) (*Reservation, error) {
	ctx, span := uc.tracer.Start(ctx, "stock.reserve")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", orderID),
		attribute.String("product_id", productID),
		attribute.Int("quantity", quantity),
	)

	log := uc.logger.With(zap.String("order_id", orderID), zap.String("product_id", productID))
	log.Info("➡️ [RESERVE] Reserving stock", zap.Int("quantity", quantity))

	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	// 1. Inicia a transação
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to start reservation: %w", err)
	}
	defer tx.Rollback()

	// 2. Lock pessimista em todas as linhas do produto
	rows, err := uc.repository.LockProductStock(ctx, tx, productID)
	if err != nil {
		log.Error("❌ RESERVE FAILED: LockProductStock", zap.Error(err))
		span.RecordError(err)
		return nil, err
	}

	// 3. Idempotência verificada sob o lock
	recorded, err := uc.repository.GetMovementsByOrderID(ctx, tx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if len(recorded) > 0 {
		log.Info("ℹ️  [IDEMPOTENCY] Reservation already recorded")
		return &Reservation{OrderID: orderID, ProductID: productID, ReservedFromVendors: recorded}, nil
	}

	// 4. Alocação gulosa, maior estoque primeiro
	allocations, err := allocate(rows, quantity)
	if err != nil {
		log.Warn("❌ RESERVE FAILED", zap.Error(err), zap.Int("available", totalQuantity(rows)))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	available := make(map[string]int, len(rows))
	for _, row := range rows {
		available[row.VendorName] = row.Quantity
	}

	// 5. Atualiza cada vendor tocado e registra o movimento
	for _, a := range allocations {
		if err := uc.repository.UpdateQuantity(ctx, tx, productID, a.VendorName, available[a.VendorName]-a.Quantity); err != nil {
			log.Error("❌ [RESERVE] Failed to update stock", zap.String("vendor", a.VendorName), zap.Error(err))
			span.RecordError(err)
			return nil, err
		}
		if err := uc.repository.InsertMovement(ctx, tx, orderID, productID, a); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	// 6. Commit da transação
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	log.Info("✅ [RESERVE] Success", zap.Any("allocations", allocations))
	return &Reservation{OrderID: orderID, ProductID: productID, ReservedFromVendors: allocations}, nil
}

// Reserved returns the allocation recorded for orderID, or nil when nothing was reserved
func (uc *StockUseCase) Reserved(ctx context.Context, orderID string) ([]VendorAllocation, error) {
	ctx, span := uc.tracer.Start(ctx, "stock.reserved")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", orderID))

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to start lookup: %w", err)
	}
	defer tx.Rollback()

	return uc.repository.GetMovementsByOrderID(ctx, tx, orderID)
}

// allocate walks rows from the largest quantity down, ties broken by vendor name,
// taking as much as each vendor holds until quantity is covered.
func allocate(rows []StockEntry, quantity int) ([]VendorAllocation, error) {
	if totalQuantity(rows) < quantity {
		return nil, ErrInsufficientStock
	}

	ordered := make([]StockEntry, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Quantity != ordered[j].Quantity {
			return ordered[i].Quantity > ordered[j].Quantity
		}
		return ordered[i].VendorName < ordered[j].VendorName
	})

	remaining := quantity
	var allocations []VendorAllocation
	for _, row := range ordered {
		if remaining == 0 {
			break
		}
		if row.Quantity <= 0 {
			continue
		}
		take := min(row.Quantity, remaining)
		allocations = append(allocations, VendorAllocation{VendorName: row.VendorName, Quantity: take})
		remaining -= take
	}

	if remaining > 0 {
		return nil, ErrPartialReservation
	}
	return allocations, nil
}

func totalQuantity(rows []StockEntry) int {
	total := 0
	for _, row := range rows {
		total += row.Quantity
	}
	return total
}

// Upsert overwrites the vendor's quantities with items, skipping invalid lines.
// It returns the number of items applied.
func (uc *StockUseCase) Upsert(ctx context.Context, vendorName string, items []VendorStockItem) (int, error) {
	ctx, span := uc.tracer.Start(ctx, "stock.upsert")
	defer span.End()

	span.SetAttributes(
		attribute.String("vendor", vendorName),
		attribute.Int("items", len(items)),
	)

	valid := make([]VendorStockItem, 0, len(items))
	for _, item := range items {
		if err := item.validate(); err != nil {
			uc.logger.Warn("⚠️ [SYNC] Skipping invalid stock item", zap.String("vendor", vendorName), zap.Error(err))
			continue
		}
		valid = append(valid, item)
	}

	if err := uc.repository.UpsertVendorStock(ctx, vendorName, valid); err != nil {
		span.RecordError(err)
		return 0, err
	}

	return len(valid), nil
}

// Aggregate returns the total quantity of productID across all vendors
func (uc *StockUseCase) Aggregate(ctx context.Context, productID string) (int, error) {
	ctx, span := uc.tracer.Start(ctx, "stock.aggregate")
	defer span.End()

	span.SetAttributes(attribute.String("product_id", productID))

	return uc.repository.AggregateQuantity(ctx, productID)
}
