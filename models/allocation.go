package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Allocation is one append-only ledger row: quantity and cost drawn from (or,
// for reversals, restored to) a single lot for a single order component.
// Corrections are new rows with opposite sign, never edits.
type Allocation struct {
	ID         string          `gorm:"size:36;primary_key" json:"id"` // uuid
	BusinessId string          `gorm:"size:64;index:idx_alloc_order,priority:1;not null" json:"business_id"`
	OrderId    string          `gorm:"size:100;index:idx_alloc_order,priority:2;not null" json:"order_id"`
	SkuCode    string          `gorm:"size:100;index:idx_alloc_order,priority:3;not null" json:"sku_code"` // component sku
	LotId      int             `gorm:"index;not null" json:"lot_id"`
	ShippedAt  time.Time       `gorm:"not null" json:"shipped_at"`
	Method     AllocationMethod `gorm:"type:enum('FIFO');default:'FIFO'" json:"method"`
	Qty        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"` // signed: positive=consumption, negative=reversal
	// UnitCostUsed is the consumed lot's cost; Amount = round2(qty * unit_cost).
	// Amounts are computed per lot line, never from a blended unit cost.
	UnitCostUsed decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost_used"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	IsReversal   bool            `gorm:"not null;default:false;index" json:"is_reversal"`

	ReversesAllocationId   *string `gorm:"size:36;index" json:"reverses_allocation_id"`
	ReversedByAllocationId *string `gorm:"size:36;index" json:"reversed_by_allocation_id"`
	ReversalReason         *string `gorm:"type:text" json:"reversal_reason"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (a *Allocation) BeforeCreate(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if a == nil {
		return nil
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

type AllocationRepository struct {
	tx *gorm.DB
}

func NewAllocationRepository(tx *gorm.DB) *AllocationRepository {
	return &AllocationRepository{tx: tx}
}

func (r *AllocationRepository) Append(ctx context.Context, a *Allocation) error {
	return r.tx.WithContext(ctx).Create(a).Error
}

// ActiveAllocatedQty sums the live (non-reversal, not-yet-reversed) quantity
// booked for one order component. This is the idempotency input: the engine
// only allocates what is still outstanding.
func (r *AllocationRepository) ActiveAllocatedQty(ctx context.Context, businessId string, orderId string, skuCode string) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := r.tx.WithContext(ctx).Model(&Allocation{}).
		Where("business_id = ? AND order_id = ? AND sku_code = ?", businessId, orderId, skuCode).
		Where("is_reversal = 0 AND reversed_by_allocation_id IS NULL").
		Select("COALESCE(SUM(qty), 0)").
		Scan(&qty).Error
	if err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}

func (r *AllocationRepository) ActiveForOrder(ctx context.Context, businessId string, orderId string) ([]*Allocation, error) {
	var allocations []*Allocation
	err := r.tx.WithContext(ctx).
		Where("business_id = ? AND order_id = ?", businessId, orderId).
		Where("is_reversal = 0 AND reversed_by_allocation_id IS NULL").
		Order("created_at ASC, id ASC").
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

func (r *AllocationRepository) ActiveForLot(ctx context.Context, businessId string, lotId int) ([]*Allocation, error) {
	var allocations []*Allocation
	err := r.tx.WithContext(ctx).
		Where("business_id = ? AND lot_id = ?", businessId, lotId).
		Where("is_reversal = 0 AND reversed_by_allocation_id IS NULL").
		Order("created_at ASC, id ASC").
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

func (r *AllocationRepository) HasActiveForOrder(ctx context.Context, businessId string, orderId string) (bool, error) {
	var count int64
	err := r.tx.WithContext(ctx).Model(&Allocation{}).
		Where("business_id = ? AND order_id = ?", businessId, orderId).
		Where("is_reversal = 0 AND reversed_by_allocation_id IS NULL").
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkReversed stamps the original row with its reversal. Metadata-only
// update; qty/cost history is never touched.
func (r *AllocationRepository) MarkReversed(ctx context.Context, originalId string, reversalId string, reason string) error {
	reasonCopy := reason
	return r.tx.WithContext(ctx).Model(&Allocation{}).
		Where("id = ?", originalId).
		Updates(map[string]interface{}{
			"reversed_by_allocation_id": reversalId,
			"reversal_reason":           &reasonCopy,
		}).Error
}

// ConsumedQtyForSku is the ledger side of the conservation identity:
// sum(positive qty) - sum(reversal qty) over all rows for a SKU.
func (r *AllocationRepository) ConsumedQtyForSku(ctx context.Context, businessId string, skuCode string) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := r.tx.WithContext(ctx).Model(&Allocation{}).
		Where("business_id = ? AND sku_code = ?", businessId, skuCode).
		Select("COALESCE(SUM(qty), 0)").
		Scan(&qty).Error
	if err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}
