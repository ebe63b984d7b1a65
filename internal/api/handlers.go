package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/order-fulfillment/internal/orders"
	"github.com/matheusmosca/order-fulfillment/internal/stock"
)

const (
	msgOrderQueued  = "Order received and queued for processing."
	msgInvalidOrder = "Invalid product ID or quantity."
	msgOrderFailed  = "Failed to create order due to internal error."
	msgSyncStarted  = "Stock synchronization initiated successfully."
	msgSyncFailed   = "Failed to initiate stock synchronization."
)

// CreateOrderRequest representa a requisição para criar um pedido
type CreateOrderRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0,lte=2147483647"`
}

type OrderSubmitter interface {
	Submit(ctx context.Context, productID string, quantity int) (string, error)
}

type StockSyncer interface {
	SyncAll(ctx context.Context) (stock.SyncReport, error)
}

// OrderHandler contém os handlers HTTP
type OrderHandler struct {
	submitter OrderSubmitter
	syncer    StockSyncer
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewOrderHandler cria uma nova instância de OrderHandler
func NewOrderHandler(submitter OrderSubmitter, syncer StockSyncer, tracer trace.Tracer, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		submitter: submitter,
		syncer:    syncer,
		tracer:    tracer,
		logger:    logger,
	}
}

// CreateOrder accepts an order and queues it; fulfilment happens asynchronously
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "create_order")
	defer span.End()

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": msgInvalidOrder})
		return
	}

	span.SetAttributes(
		attribute.String("product_id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	)

	orderID, err := h.submitter.Submit(ctx, req.ProductID, req.Quantity)
	if errors.Is(err, orders.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"message": msgInvalidOrder})
		return
	}
	if err != nil {
		h.logger.Error("❌ Error creating order", zap.Error(err))
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": msgOrderFailed})
		return
	}

	span.SetAttributes(attribute.String("order_id", orderID))
	c.JSON(http.StatusAccepted, gin.H{
		"orderId": orderID,
		"message": msgOrderQueued,
	})
}

// SyncStock runs a vendor sync and waits for it to finish
func (h *OrderHandler) SyncStock(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "sync_stock")
	defer span.End()

	report, err := h.syncer.SyncAll(ctx)
	if err != nil {
		h.logger.Error("❌ Error running manual stock sync", zap.Error(err))
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": msgSyncFailed})
		return
	}

	span.SetAttributes(
		attribute.StringSlice("synced", report.Synced),
		attribute.StringSlice("failed", report.Failed),
	)
	c.JSON(http.StatusOK, gin.H{"message": msgSyncStarted})
}

// HealthCheck retorna o status de saúde do serviço
func (h *OrderHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "order-service",
	})
}
