package stock

import (
	"errors"
	"fmt"
	"time"
)

// StockEntry is one vendor's holding of one product
type StockEntry struct {
	ProductID     string    `json:"productId" db:"product_id"`
	VendorName    string    `json:"vendorName" db:"vendor_name"`
	Quantity      int       `json:"quantity" db:"quantity"`
	LastSyncedAt  time.Time `json:"lastSyncedAt" db:"last_synced_at"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt" db:"last_updated_at"`
}

// VendorAllocation is the part of a reservation drawn from a single vendor
type VendorAllocation struct {
	VendorName string `json:"vendorName"`
	Quantity   int    `json:"quantity"`
}

// Reservation is the result of a successful Reserve
type Reservation struct {
	OrderID             string             `json:"orderId"`
	ProductID           string             `json:"productId"`
	ReservedFromVendors []VendorAllocation `json:"reservedFromVendors"`
}

// Total returns the number of units reserved across all vendors
func (r *Reservation) Total() int {
	total := 0
	for _, a := range r.ReservedFromVendors {
		total += a.Quantity
	}
	return total
}

// VendorStockItem is one line of a vendor stock feed
type VendorStockItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func (i VendorStockItem) validate() error {
	if i.ProductID == "" {
		return errors.New("empty productId")
	}
	if i.Quantity < 0 {
		return fmt.Errorf("negative quantity %d for product %s", i.Quantity, i.ProductID)
	}
	return nil
}

var (
	ErrInsufficientStock  = &InventoryError{Message: "insufficient stock"}
	ErrPartialReservation = &InventoryError{Message: "partial reservation failure"}
	ErrInvalidQuantity    = &InventoryError{Message: "quantity must be greater than 0"}
)

type InventoryError struct {
	Message string
}

func (e *InventoryError) Error() string {
	return e.Message
}

// VendorError is a fetch or apply failure isolated to one vendor during a sync
type VendorError struct {
	Vendor string
	Err    error
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("vendor %s: %v", e.Vendor, e.Err)
}

func (e *VendorError) Unwrap() error {
	return e.Err
}
