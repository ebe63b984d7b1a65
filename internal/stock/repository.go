package stock

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StockRepository define as operações de persistência de estoque
type StockRepository interface {
	BeginTx(ctx context.Context) (Tx, error)

	// LockProductStock locks every vendor row of the product (SELECT ... FOR UPDATE)
	LockProductStock(ctx context.Context, tx Tx, productID string) ([]StockEntry, error)
	GetMovementsByOrderID(ctx context.Context, tx Tx, orderID string) ([]VendorAllocation, error)
	UpdateQuantity(ctx context.Context, tx Tx, productID, vendorName string, quantity int) error
	InsertMovement(ctx context.Context, tx Tx, orderID, productID string, allocation VendorAllocation) error

	UpsertVendorStock(ctx context.Context, vendorName string, items []VendorStockItem) error
	AggregateQuantity(ctx context.Context, productID string) (int, error)
}

// Tx representa uma transação de banco de dados
type Tx interface {
	Commit() error
	Rollback() error
}

// PostgresTx implementa a interface Tx
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *PostgresTx) Rollback() error {
	return t.tx.Rollback(context.Background())
}

type PostgresStockRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresStockRepository(pool *pgxpool.Pool) *PostgresStockRepository {
	return &PostgresStockRepository{pool: pool}
}

// BeginTx inicia uma nova transação
func (r *PostgresStockRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &PostgresTx{tx: tx}, nil
}

// LockProductStock locks rows in vendor_name order so concurrent reservations of the same
// product always acquire row locks in the same sequence.
func (r *PostgresStockRepository) LockProductStock(ctx context.Context, tx Tx, productID string) ([]StockEntry, error) {
	pgTx := tx.(*PostgresTx).tx

	query := `
		SELECT product_id, vendor_name, quantity, last_synced_at, last_updated_at
		FROM stock
		WHERE product_id = $1
		ORDER BY vendor_name
		FOR UPDATE
	`

	rows, err := pgTx.Query(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock stock rows: %w", err)
	}
	defer rows.Close()

	var entries []StockEntry
	for rows.Next() {
		var e StockEntry
		if err := rows.Scan(&e.ProductID, &e.VendorName, &e.Quantity, &e.LastSyncedAt, &e.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stock row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stock rows: %w", err)
	}

	return entries, nil
}

// GetMovementsByOrderID returns the allocations already recorded for an order
func (r *PostgresStockRepository) GetMovementsByOrderID(ctx context.Context, tx Tx, orderID string) ([]VendorAllocation, error) {
	pgTx := tx.(*PostgresTx).tx

	rows, err := pgTx.Query(ctx, `
		SELECT vendor_name, quantity
		FROM stock_movements
		WHERE order_id = $1
		ORDER BY quantity DESC, vendor_name
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock movements: %w", err)
	}
	defer rows.Close()

	var allocations []VendorAllocation
	for rows.Next() {
		var a VendorAllocation
		if err := rows.Scan(&a.VendorName, &a.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan stock movement: %w", err)
		}
		allocations = append(allocations, a)
	}

	return allocations, rows.Err()
}

func (r *PostgresStockRepository) UpdateQuantity(ctx context.Context, tx Tx, productID, vendorName string, quantity int) error {
	pgTx := tx.(*PostgresTx).tx

	_, err := pgTx.Exec(ctx, `
		UPDATE stock
		SET quantity = $1,
			last_updated_at = NOW()
		WHERE product_id = $2 AND vendor_name = $3
	`, quantity, productID, vendorName)
	if err != nil {
		return fmt.Errorf("failed to update stock quantity: %w", err)
	}
	return nil
}

func (r *PostgresStockRepository) InsertMovement(ctx context.Context, tx Tx, orderID, productID string, allocation VendorAllocation) error {
	pgTx := tx.(*PostgresTx).tx

	_, err := pgTx.Exec(ctx, `
		INSERT INTO stock_movements (order_id, vendor_name, product_id, quantity, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, orderID, allocation.VendorName, productID, allocation.Quantity)
	if err != nil {
		return fmt.Errorf("failed to insert stock movement: %w", err)
	}
	return nil
}

// UpsertVendorStock overwrites the vendor's quantities in one transaction. Rows are written in
// product order so a sync never acquires locks in an order that can cycle with another sync.
func (r *PostgresStockRepository) UpsertVendorStock(ctx context.Context, vendorName string, items []VendorStockItem) error {
	if len(items) == 0 {
		return nil
	}

	sorted := make([]VendorStockItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, item := range sorted {
		batch.Queue(`
			INSERT INTO stock (product_id, vendor_name, quantity, last_synced_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (product_id, vendor_name) DO UPDATE
			SET quantity = EXCLUDED.quantity, last_synced_at = NOW()
		`, item.ProductID, vendorName, item.Quantity)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert stock for %s: %w", vendorName, err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresStockRepository) AggregateQuantity(ctx context.Context, productID string) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM stock
		WHERE product_id = $1
	`, productID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate stock: %w", err)
	}
	return total, nil
}
