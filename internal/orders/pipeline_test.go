package orders

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/matheusmosca/order-fulfillment/internal/queue"
	"github.com/matheusmosca/order-fulfillment/internal/stock"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Create(ctx context.Context, productID string, quantity int) (string, error) {
	args := m.Called(ctx, productID, quantity)
	return args.String(0), args.Error(1)
}

func (m *MockLedger) MarkCompleted(ctx context.Context, orderID string, details []stock.VendorAllocation) error {
	return m.Called(ctx, orderID, details).Error(0)
}

func (m *MockLedger) MarkFailed(ctx context.Context, orderID, message string) error {
	return m.Called(ctx, orderID, message).Error(0)
}

func (m *MockLedger) GetStatus(ctx context.Context, orderID string) (Status, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(Status), args.Error(1)
}

type MockReserver struct {
	mock.Mock
}

func (m *MockReserver) Reserve(ctx context.Context, orderID, productID string, quantity int) (*stock.Reservation, error) {
	args := m.Called(ctx, orderID, productID, quantity)
	if r := args.Get(0); r != nil {
		return r.(*stock.Reservation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReserver) Reserved(ctx context.Context, orderID string) ([]stock.VendorAllocation, error) {
	args := m.Called(ctx, orderID)
	if r := args.Get(0); r != nil {
		return r.([]stock.VendorAllocation), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, env queue.Envelope) error {
	return m.Called(ctx, env).Error(0)
}

func newTestPipeline(ledger Ledger, reserver Reserver, publisher Publisher) *Pipeline {
	return NewPipeline(
		ledger,
		reserver,
		publisher,
		noop.NewTracerProvider().Tracer("test"),
		zap.NewNop(),
		metricnoop.NewMeterProvider().Meter("test"),
	)
}

func TestSubmit_CreatesAndPublishes(t *testing.T) {
	// Arrange
	ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
	pipeline := newTestPipeline(ledger, reserver, publisher)

	ledger.On("Create", mock.Anything, "p1", 2).Return("o-1", nil)
	publisher.On("Publish", mock.Anything, queue.Envelope{OrderID: "o-1", ProductID: "p1", Quantity: 2, Retries: 0}).Return(nil)

	// Act
	orderID, err := pipeline.Submit(context.Background(), "p1", 2)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "o-1", orderID)
	ledger.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestSubmit_InvalidRequestWritesNothing(t *testing.T) {
	tests := []struct {
		name      string
		productID string
		quantity  int
	}{
		{"empty product id", "", 1},
		{"zero quantity", "p1", 0},
		{"negative quantity", "p1", -4},
		{"quantity beyond column range", "p1", MaxQuantity + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
			pipeline := newTestPipeline(ledger, reserver, publisher)

			orderID, err := pipeline.Submit(context.Background(), tt.productID, tt.quantity)

			assert.Empty(t, orderID)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			ledger.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
			publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
		})
	}
}

func TestSubmit_LedgerFailureDoesNotPublish(t *testing.T) {
	ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
	pipeline := newTestPipeline(ledger, reserver, publisher)

	ledger.On("Create", mock.Anything, "p1", 1).Return("", ErrPersistence)

	_, err := pipeline.Submit(context.Background(), "p1", 1)

	assert.ErrorIs(t, err, ErrPersistence)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestSubmit_PublishFailureFailsOrder(t *testing.T) {
	// Arrange
	ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
	pipeline := newTestPipeline(ledger, reserver, publisher)
	brokerErr := errors.New("channel closed")

	ledger.On("Create", mock.Anything, "p1", 1).Return("o-1", nil)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(brokerErr)
	ledger.On("MarkFailed", mock.Anything, "o-1", mock.MatchedBy(func(msg string) bool {
		return msg == "failed to queue order: channel closed"
	})).Return(nil)

	// Act
	orderID, err := pipeline.Submit(context.Background(), "p1", 1)

	// Assert
	assert.Empty(t, orderID)
	assert.ErrorIs(t, err, brokerErr)
	ledger.AssertExpectations(t)
}

func TestHandleOrder_ReservesAndCompletes(t *testing.T) {
	// Arrange
	ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
	pipeline := newTestPipeline(ledger, reserver, publisher)
	allocations := []stock.VendorAllocation{{VendorName: "vendorA", Quantity: 30}, {VendorName: "vendorB", Quantity: 10}}

	ledger.On("GetStatus", mock.Anything, "o-1").Return(StatusPending, nil)
	reserver.On("Reserve", mock.Anything, "o-1", "p1", 40).Return(&stock.Reservation{ReservedFromVendors: allocations}, nil)
	ledger.On("MarkCompleted", mock.Anything, "o-1", allocations).Return(nil)

	// Act
	err := pipeline.HandleOrder(context.Background(), queue.Envelope{OrderID: "o-1", ProductID: "p1", Quantity: 40})

	// Assert
	require.NoError(t, err)
	ledger.AssertExpectations(t)
	reserver.AssertExpectations(t)
}

func TestHandleOrder_RedeliveryOfTerminalOrderIsNoOp(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
			pipeline := newTestPipeline(ledger, reserver, publisher)

			ledger.On("GetStatus", mock.Anything, "o-1").Return(status, nil)

			err := pipeline.HandleOrder(context.Background(), queue.Envelope{OrderID: "o-1", ProductID: "p1", Quantity: 1, Retries: 2})

			assert.NoError(t, err)
			reserver.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			ledger.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything, mock.Anything)
			ledger.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestHandleOrder_InsufficientStockFailsOrderAndReturnsError(t *testing.T) {
	// Arrange
	ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
	pipeline := newTestPipeline(ledger, reserver, publisher)

	ledger.On("GetStatus", mock.Anything, "o-2").Return(StatusPending, nil)
	reserver.On("Reserve", mock.Anything, "o-2", "p1", 10).Return(nil, stock.ErrInsufficientStock)
	ledger.On("MarkFailed", mock.Anything, "o-2", "insufficient stock").Return(nil)

	// Act
	err := pipeline.HandleOrder(context.Background(), queue.Envelope{OrderID: "o-2", ProductID: "p1", Quantity: 10})

	// Assert
	assert.ErrorIs(t, err, stock.ErrInsufficientStock)
	ledger.AssertExpectations(t)
	ledger.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleOrder_MarkFailedErrorIsJoined(t *testing.T) {
	ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
	pipeline := newTestPipeline(ledger, reserver, publisher)

	ledger.On("GetStatus", mock.Anything, "o-2").Return(StatusPending, nil)
	reserver.On("Reserve", mock.Anything, "o-2", "p1", 10).Return(nil, stock.ErrInsufficientStock)
	ledger.On("MarkFailed", mock.Anything, "o-2", mock.Anything).Return(ErrPersistence)

	err := pipeline.HandleOrder(context.Background(), queue.Envelope{OrderID: "o-2", ProductID: "p1", Quantity: 10})

	assert.ErrorIs(t, err, stock.ErrInsufficientStock)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestHandleOrder_LedgerUnavailable(t *testing.T) {
	ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
	pipeline := newTestPipeline(ledger, reserver, publisher)

	ledger.On("GetStatus", mock.Anything, "o-3").Return(Status(""), ErrPersistence)

	err := pipeline.HandleOrder(context.Background(), queue.Envelope{OrderID: "o-3", ProductID: "p1", Quantity: 1})

	assert.ErrorIs(t, err, ErrPersistence)
	reserver.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleOrder_CompletionFailureIsReturned(t *testing.T) {
	ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
	pipeline := newTestPipeline(ledger, reserver, publisher)
	allocations := []stock.VendorAllocation{{VendorName: "vendorA", Quantity: 1}}

	ledger.On("GetStatus", mock.Anything, "o-4").Return(StatusPending, nil)
	reserver.On("Reserve", mock.Anything, "o-4", "p1", 1).Return(&stock.Reservation{ReservedFromVendors: allocations}, nil)
	ledger.On("MarkCompleted", mock.Anything, "o-4", allocations).Return(ErrPersistence)

	err := pipeline.HandleOrder(context.Background(), queue.Envelope{OrderID: "o-4", ProductID: "p1", Quantity: 1})

	assert.ErrorIs(t, err, ErrPersistence)
	ledger.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDropped_FailsOrder(t *testing.T) {
	ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
	pipeline := newTestPipeline(ledger, reserver, publisher)
	cause := errors.New("delivery attempts exhausted after 3 retries: insufficient stock")

	reserver.On("Reserved", mock.Anything, "o-5").Return(nil, nil)
	ledger.On("MarkFailed", mock.Anything, "o-5", cause.Error()).Return(nil)

	pipeline.HandleDropped(context.Background(), queue.Envelope{OrderID: "o-5", ProductID: "p1", Quantity: 1, Retries: 3}, cause)

	ledger.AssertExpectations(t)
}

func TestHandleDropped_ReportsStockStillReserved(t *testing.T) {
	ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
	pipeline := newTestPipeline(ledger, reserver, publisher)
	cause := errors.New("delivery attempts exhausted after 3 retries: failed to persist order")
	held := []stock.VendorAllocation{{VendorName: "vendorA", Quantity: 30}, {VendorName: "vendorB", Quantity: 10}}

	reserver.On("Reserved", mock.Anything, "o-6").Return(held, nil)
	ledger.On("MarkFailed", mock.Anything, "o-6",
		cause.Error()+"; stock remains reserved: vendorA=30,vendorB=10").Return(nil)

	pipeline.HandleDropped(context.Background(), queue.Envelope{OrderID: "o-6", ProductID: "p1", Quantity: 40, Retries: 3}, cause)

	ledger.AssertExpectations(t)
}

func TestHandleDropped_LookupFailureStillFailsOrder(t *testing.T) {
	ledger, reserver, publisher := new(MockLedger), new(MockReserver), new(MockPublisher)
	pipeline := newTestPipeline(ledger, reserver, publisher)
	cause := errors.New("delivery attempts exhausted after 3 retries: boom")

	reserver.On("Reserved", mock.Anything, "o-7").Return(nil, errors.New("db down"))
	ledger.On("MarkFailed", mock.Anything, "o-7", cause.Error()).Return(nil)

	pipeline.HandleDropped(context.Background(), queue.Envelope{OrderID: "o-7", ProductID: "p1", Quantity: 1, Retries: 3}, cause)

	ledger.AssertExpectations(t)
}

func TestPipeline_SatisfiesConsumerHandlers(t *testing.T) {
	var p any = &Pipeline{}

	_, isHandler := p.(queue.Handler)
	_, isDropHandler := p.(queue.DropHandler)

	assert.True(t, isHandler)
	assert.True(t, isDropHandler)
}
