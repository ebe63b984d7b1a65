package stock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/matheusmosca/order-fulfillment/internal/config"
)

// RestyVendorClient fetches vendor stock feeds over HTTP
type RestyVendorClient struct {
	client *resty.Client
}

func NewRestyVendorClient(timeout time.Duration) *RestyVendorClient {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &RestyVendorClient{client: client}
}

// FetchStock calls GET on the vendor's stock URL and decodes [{productId, quantity}]
func (c *RestyVendorClient) FetchStock(ctx context.Context, vendor config.Vendor) ([]VendorStockItem, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		Get(vendor.StockURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stock: %w", err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode(), vendor.StockURL)
	}

	var items []VendorStockItem
	if err := json.Unmarshal(resp.Body(), &items); err != nil {
		return nil, fmt.Errorf("failed to decode stock feed: %w", err)
	}

	return items, nil
}
