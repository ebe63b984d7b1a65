package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/order-fulfillment/internal/stock"
)

// Repository define a interface para operações de banco de dados de pedidos
type Repository interface {
	// CreateOrder cria um novo pedido no banco de dados
	CreateOrder(ctx context.Context, order *Order) error

	// CompleteOrder moves a pending order to completed. It reports false when the order
	// was not pending (or does not exist).
	CompleteOrder(ctx context.Context, orderID string, details []stock.VendorAllocation) (bool, error)

	// FailOrder moves a pending order to failed, same contract as CompleteOrder
	FailOrder(ctx context.Context, orderID, message string) (bool, error)

	// GetOrder busca um pedido pelo ID
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

// PostgresOrderRepository implementa Repository usando PostgreSQL
type PostgresOrderRepository struct {
	db *pgxpool.Pool
}

// NewPostgresOrderRepository cria uma nova instância de PostgresOrderRepository
func NewPostgresOrderRepository(db *pgxpool.Pool) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

func (r *PostgresOrderRepository) CreateOrder(ctx context.Context, order *Order) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO orders (order_id, product_id, quantity, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, order.OrderID, order.ProductID, order.Quantity, string(order.Status), order.CreatedAt)
	return err
}

func (r *PostgresOrderRepository) CompleteOrder(ctx context.Context, orderID string, details []stock.VendorAllocation) (bool, error) {
	payload, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("failed to encode reservation details: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = $1, processed_at = NOW(), reservation_details = $2
		WHERE order_id = $3 AND status = $4
	`, string(StatusCompleted), payload, orderID, string(StatusPending))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresOrderRepository) FailOrder(ctx context.Context, orderID, message string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = $1, processed_at = NOW(), error_message = $2
		WHERE order_id = $3 AND status = $4
	`, string(StatusFailed), message, orderID, string(StatusPending))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresOrderRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var (
		order   Order
		status  string
		details []byte
	)

	err := r.db.QueryRow(ctx, `
		SELECT order_id, product_id, quantity, status, created_at, processed_at, error_message, reservation_details
		FROM orders WHERE order_id = $1
	`, orderID).Scan(
		&order.OrderID,
		&order.ProductID,
		&order.Quantity,
		&status,
		&order.CreatedAt,
		&order.ProcessedAt,
		&order.ErrorMessage,
		&details,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	order.Status = Status(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &order.ReservationDetails); err != nil {
			return nil, fmt.Errorf("failed to decode reservation details: %w", err)
		}
	}

	return &order, nil
}
