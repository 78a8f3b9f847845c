package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Store interfaces form the repository seam the engine runs against. The
// production implementations live in models (gorm/MySQL); tests provide
// in-memory ones. The per-lot decrement/increment contract is the atomic
// read-modify-write every implementation must honor.

type SkuCatalog interface {
	// GetSku returns utils.ErrorRecordNotFound for unknown codes.
	GetSku(ctx context.Context, businessId string, skuCode string) (*models.Sku, error)
	GetBundleComponents(ctx context.Context, businessId string, bundleSkuCode string) ([]*models.BundleComponent, error)
}

type LotStore interface {
	LoadLotsOrdered(ctx context.Context, businessId string, skuCode string) ([]*models.ReceiptLot, error)
	GetLot(ctx context.Context, businessId string, lotId int) (*models.ReceiptLot, error)
	DecrementRemaining(ctx context.Context, businessId string, lotId int, qty decimal.Decimal) error
	IncrementRemaining(ctx context.Context, businessId string, lotId int, qty decimal.Decimal) error
	MarkVoid(ctx context.Context, businessId string, lotId int, reason string) error
}

type AllocationLedger interface {
	Append(ctx context.Context, a *models.Allocation) error
	ActiveAllocatedQty(ctx context.Context, businessId string, orderId string, skuCode string) (decimal.Decimal, error)
	ActiveForOrder(ctx context.Context, businessId string, orderId string) ([]*models.Allocation, error)
	ActiveForLot(ctx context.Context, businessId string, lotId int) ([]*models.Allocation, error)
	HasActiveForOrder(ctx context.Context, businessId string, orderId string) (bool, error)
	MarkReversed(ctx context.Context, originalId string, reversalId string, reason string) error
}

type EventSource interface {
	LoadShippedUnits(ctx context.Context, businessId string, start time.Time, end time.Time) ([]*models.ShippedUnitEvent, error)
}

type RunStore interface {
	CreateRun(ctx context.Context, run *models.CogsApplyRun, items []*models.CogsRunItem) error
}

type RunNotifier interface {
	NotifyRunCompleted(ctx context.Context, run *models.CogsApplyRun) error
}

// Stores bundles the repositories one allocation or reversal touches.
type Stores struct {
	Catalog SkuCatalog
	Lots    LotStore
	Ledger  AllocationLedger
}

// OrderRunner executes fn against stores bound to one atomic unit of work.
// An order's allocation either commits whole (success/partial/skip) or, on an
// invariant error, rolls back whole.
type OrderRunner interface {
	RunOrder(ctx context.Context, fn func(s Stores) error) error
}

type gormOrderRunner struct {
	db *gorm.DB
}

func NewGormOrderRunner(db *gorm.DB) OrderRunner {
	return &gormOrderRunner{db: db}
}

func (r *gormOrderRunner) RunOrder(ctx context.Context, fn func(s Stores) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(Stores{
			Catalog: models.NewSkuRepository(tx),
			Lots:    models.NewLotRepository(tx),
			Ledger:  models.NewAllocationRepository(tx),
		})
	})
}
