package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheusmosca/order-fulfillment/internal/config"
)

type VendorClient interface {
	FetchStock(ctx context.Context, vendor config.Vendor) ([]VendorStockItem, error)
}

type Upserter interface {
	Upsert(ctx context.Context, vendorName string, items []VendorStockItem) (int, error)
}

// SyncReport lists the vendors of one SyncAll run by outcome
type SyncReport struct {
	Synced []string
	Failed []string
	Errors []error
}

// Syncer pulls every vendor's stock feed and overwrites the local stock rows
type Syncer struct {
	vendors       []config.Vendor
	client        VendorClient
	store         Upserter
	maxConcurrent int
	logger        *zap.Logger
	failures      metric.Int64Counter
}

func NewSyncer(
	vendors []config.Vendor,
	client VendorClient,
	store Upserter,
	maxConcurrent int,
	logger *zap.Logger,
	failures metric.Int64Counter,
) *Syncer {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Syncer{
		vendors:       vendors,
		client:        client,
		store:         store,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		failures:      failures,
	}
}

// SyncAll syncs every vendor with bounded concurrency. A vendor failure is recorded in the
// report and never stops the others. The error is non-nil only when ctx was cancelled or
// when every vendor failed.
func (s *Syncer) SyncAll(ctx context.Context) (SyncReport, error) {
	var (
		mu     sync.Mutex
		report SyncReport
	)

	var g errgroup.Group
	g.SetLimit(s.maxConcurrent)

	for _, vendor := range s.vendors {
		g.Go(func() error {
			applied, err := s.syncVendor(ctx, vendor)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				s.logger.Warn("⚠️ [SYNC] Vendor sync failed", zap.String("vendor", vendor.Name), zap.Error(err))
				s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("vendor", vendor.Name)))
				report.Failed = append(report.Failed, vendor.Name)
				report.Errors = append(report.Errors, err)
				return nil
			}

			s.logger.Info("✅ [SYNC] Vendor synced", zap.String("vendor", vendor.Name), zap.Int("items", applied))
			report.Synced = append(report.Synced, vendor.Name)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Synced)
	sort.Strings(report.Failed)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if len(s.vendors) > 0 && len(report.Synced) == 0 {
		return report, fmt.Errorf("all %d vendors failed: %w", len(s.vendors), errors.Join(report.Errors...))
	}

	return report, nil
}

func (s *Syncer) syncVendor(ctx context.Context, vendor config.Vendor) (int, error) {
	items, err := s.client.FetchStock(ctx, vendor)
	if err != nil {
		return 0, &VendorError{Vendor: vendor.Name, Err: err}
	}

	applied, err := s.store.Upsert(ctx, vendor.Name, items)
	if err != nil {
		return 0, &VendorError{Vendor: vendor.Name, Err: err}
	}

	return applied, nil
}

// Run syncs once immediately and then on every tick until ctx is done
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	s.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("🛑 [SYNC] Stopping stock sync")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Syncer) runOnce(ctx context.Context) {
	report, err := s.SyncAll(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("❌ [SYNC] Stock sync failed", zap.Error(err))
		return
	}
	s.logger.Info("🔄 [SYNC] Stock sync finished",
		zap.Strings("synced", report.Synced),
		zap.Strings("failed", report.Failed),
	)
}
