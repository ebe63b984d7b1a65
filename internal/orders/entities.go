package orders

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/matheusmosca/order-fulfillment/internal/stock"
)

// Status representa os possíveis status de um pedido
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MaxQuantity is the largest quantity the ledger columns can hold
const MaxQuantity = math.MaxInt32

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrPersistence    = errors.New("failed to persist order")
	ErrOrderNotFound  = errors.New("order not found")
)

// Order representa um pedido no sistema
type Order struct {
	OrderID            string                   `json:"orderId" db:"order_id"`
	ProductID          string                   `json:"productId" db:"product_id"`
	Quantity           int                      `json:"quantity" db:"quantity"`
	Status             Status                   `json:"status" db:"status"`
	CreatedAt          time.Time                `json:"createdAt" db:"created_at"`
	ProcessedAt        *time.Time               `json:"processedAt,omitempty" db:"processed_at"`
	ErrorMessage       *string                  `json:"errorMessage,omitempty" db:"error_message"`
	ReservationDetails []stock.VendorAllocation `json:"reservationDetails,omitempty" db:"reservation_details"`
}

// NewOrder cria um novo pedido pendente com um id nunca reutilizado
func NewOrder(productID string, quantity int) *Order {
	return &Order{
		OrderID:   uuid.NewString(),
		ProductID: productID,
		Quantity:  quantity,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}
