package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/matheusmosca/order-fulfillment/internal/stock"
)

// MockRepository para testes que não precisam de banco real
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateOrder(ctx context.Context, order *Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockRepository) CompleteOrder(ctx context.Context, orderID string, details []stock.VendorAllocation) (bool, error) {
	args := m.Called(ctx, orderID, details)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) FailOrder(ctx context.Context, orderID, message string) (bool, error) {
	args := m.Called(ctx, orderID, message)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	args := m.Called(ctx, orderID)
	if order := args.Get(0); order != nil {
		return order.(*Order), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestOrderUseCase(repo Repository) *OrderUseCase {
	return NewOrderUseCase(repo, noop.NewTracerProvider().Tracer("test"), zap.NewNop())
}

func TestNewOrder(t *testing.T) {
	// Act
	order := NewOrder("product-789", 2)

	// Assert
	_, err := uuid.Parse(order.OrderID)
	assert.NoError(t, err)
	assert.Equal(t, "product-789", order.ProductID)
	assert.Equal(t, 2, order.Quantity)
	assert.Equal(t, StatusPending, order.Status)
	assert.WithinDuration(t, time.Now(), order.CreatedAt, time.Second)
	assert.Nil(t, order.ProcessedAt)
	assert.NotEqual(t, order.OrderID, NewOrder("product-789", 2).OrderID)
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestCreate_InsertsPendingOrder(t *testing.T) {
	// Arrange
	repo := new(MockRepository)
	uc := newTestOrderUseCase(repo)

	repo.On("CreateOrder", mock.Anything, mock.MatchedBy(func(o *Order) bool {
		return o.ProductID == "p1" && o.Quantity == 3 && o.Status == StatusPending
	})).Return(nil)

	// Act
	orderID, err := uc.Create(context.Background(), "p1", 3)

	// Assert
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)
	repo.AssertExpectations(t)
}

func TestCreate_StorageFailureIsPersistenceError(t *testing.T) {
	repo := new(MockRepository)
	uc := newTestOrderUseCase(repo)
	dbErr := errors.New("connection refused")

	repo.On("CreateOrder", mock.Anything, mock.Anything).Return(dbErr)

	orderID, err := uc.Create(context.Background(), "p1", 3)

	assert.Empty(t, orderID)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, dbErr)
}

func TestMarkCompleted_PendingOrder(t *testing.T) {
	repo := new(MockRepository)
	uc := newTestOrderUseCase(repo)
	details := []stock.VendorAllocation{{VendorName: "vendorA", Quantity: 2}}

	repo.On("CompleteOrder", mock.Anything, "o-1", details).Return(true, nil)

	require.NoError(t, uc.MarkCompleted(context.Background(), "o-1", details))
	repo.AssertNotCalled(t, "GetOrder", mock.Anything, mock.Anything)
}

func TestMarkCompleted_TerminalOrderIsNoOp(t *testing.T) {
	repo := new(MockRepository)
	uc := newTestOrderUseCase(repo)

	repo.On("CompleteOrder", mock.Anything, "o-1", mock.Anything).Return(false, nil)
	repo.On("GetOrder", mock.Anything, "o-1").Return(&Order{OrderID: "o-1", Status: StatusFailed}, nil)

	assert.NoError(t, uc.MarkCompleted(context.Background(), "o-1", nil))
}

func TestMarkFailed_UnknownOrder(t *testing.T) {
	repo := new(MockRepository)
	uc := newTestOrderUseCase(repo)

	repo.On("FailOrder", mock.Anything, "ghost", "insufficient stock").Return(false, nil)
	repo.On("GetOrder", mock.Anything, "ghost").Return(nil, ErrOrderNotFound)

	err := uc.MarkFailed(context.Background(), "ghost", "insufficient stock")

	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMarkFailed_StorageFailure(t *testing.T) {
	repo := new(MockRepository)
	uc := newTestOrderUseCase(repo)

	repo.On("FailOrder", mock.Anything, "o-1", "boom").Return(false, errors.New("timeout"))

	err := uc.MarkFailed(context.Background(), "o-1", "boom")

	assert.ErrorIs(t, err, ErrPersistence)
}

func TestGetStatus(t *testing.T) {
	repo := new(MockRepository)
	uc := newTestOrderUseCase(repo)

	repo.On("GetOrder", mock.Anything, "o-1").Return(&Order{OrderID: "o-1", Status: StatusCompleted}, nil)
	repo.On("GetOrder", mock.Anything, "ghost").Return(nil, ErrOrderNotFound)

	status, err := uc.GetStatus(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	_, err = uc.GetStatus(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
