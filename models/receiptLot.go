package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrLotUpdateConflict is returned when a conditional qty_remaining update
// matched no row: either the quantity bounds would be violated or the lot was
// voided/changed concurrently. Callers must treat it as an invariant failure
// for the current operation, never retry-with-clamp.
var ErrLotUpdateConflict = errors.New("lot qty_remaining update rejected (bounds or concurrent change)")

// ErrLotLocked is returned for edit/delete attempts on a lot that has been
// consumed. Consumed lots can only be voided through the reversal manager.
var ErrLotLocked = errors.New("lot has allocations against it; void it instead of editing")

// ReceiptLot is one FIFO layer of received inventory for a non-bundle SKU.
// qty_remaining only moves through allocation consumption and reversal
// restoration; rows are never physically deleted once consumed.
type ReceiptLot struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"size:64;index:idx_lot_sku,priority:1;not null" json:"business_id"`
	SkuCode      string          `gorm:"size:100;index:idx_lot_sku,priority:2;not null" json:"sku_code"`
	ReceivedAt   time.Time       `gorm:"index:idx_lot_sku,priority:3;not null" json:"received_at"`
	QtyReceived  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_received"`
	QtyRemaining decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_remaining"`
	UnitCost     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	Origin       LotOrigin       `gorm:"type:enum('OPENING_BALANCE','STOCK_IN');default:'STOCK_IN'" json:"origin"`
	IsVoid       *bool           `gorm:"not null;default:false;index" json:"is_void"`
	VoidReason   *string         `gorm:"type:text" json:"void_reason"`
	VoidedAt     *time.Time      `json:"voided_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsLocked reports whether allocations reference this lot's cost basis.
func (l *ReceiptLot) IsLocked() bool {
	return l.QtyRemaining.LessThan(l.QtyReceived)
}

type NewReceiptLot struct {
	SkuCode    string          `json:"sku_code" validate:"required"`
	ReceivedAt time.Time       `json:"received_at" validate:"required"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Origin     LotOrigin       `json:"origin" validate:"required,oneof=OPENING_BALANCE STOCK_IN"`
}

var validate = validator.New()

type LotRepository struct {
	tx *gorm.DB
}

func NewLotRepository(tx *gorm.DB) *LotRepository {
	return &LotRepository{tx: tx}
}

// LoadLotsOrdered returns the consumable lots for a SKU in strict FIFO order:
// received_at ascending, ties broken by id ascending for deterministic replay.
func (r *LotRepository) LoadLotsOrdered(ctx context.Context, businessId string, skuCode string) ([]*ReceiptLot, error) {
	var lots []*ReceiptLot
	err := r.tx.WithContext(ctx).
		Where("business_id = ? AND sku_code = ? AND qty_remaining > 0 AND is_void = 0", businessId, skuCode).
		Order("received_at ASC, id ASC").
		Find(&lots).Error
	if err != nil {
		return nil, err
	}
	return lots, nil
}

func (r *LotRepository) GetLot(ctx context.Context, businessId string, lotId int) (*ReceiptLot, error) {
	var lot ReceiptLot
	err := r.tx.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, lotId).
		First(&lot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

// DecrementRemaining consumes qty from a lot as one conditional UPDATE.
// The WHERE clause is the whole concurrency story: two racing consumers can
// never both take the same remaining quantity.
func (r *LotRepository) DecrementRemaining(ctx context.Context, businessId string, lotId int, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("decrement qty must be positive, got %s", qty)
	}
	res := r.tx.WithContext(ctx).Model(&ReceiptLot{}).
		Where("business_id = ? AND id = ? AND is_void = 0 AND qty_remaining >= ?", businessId, lotId, qty).
		Update("qty_remaining", gorm.Expr("qty_remaining - ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("decrement lot_id=%d qty=%s: %w", lotId, qty, ErrLotUpdateConflict)
	}
	return nil
}

// IncrementRemaining restores qty to a lot, refusing to exceed qty_received.
func (r *LotRepository) IncrementRemaining(ctx context.Context, businessId string, lotId int, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("increment qty must be positive, got %s", qty)
	}
	res := r.tx.WithContext(ctx).Model(&ReceiptLot{}).
		Where("business_id = ? AND id = ? AND is_void = 0 AND qty_remaining + ? <= qty_received", businessId, lotId, qty).
		Update("qty_remaining", gorm.Expr("qty_remaining + ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("increment lot_id=%d qty=%s: %w", lotId, qty, ErrLotUpdateConflict)
	}
	return nil
}

// MarkVoid retires a lot: remaining is conceptually restored to received and
// the lot leaves the FIFO pool. The row and its allocations stay for audit.
func (r *LotRepository) MarkVoid(ctx context.Context, businessId string, lotId int, reason string) error {
	now := time.Now().UTC()
	res := r.tx.WithContext(ctx).Model(&ReceiptLot{}).
		Where("business_id = ? AND id = ? AND is_void = 0", businessId, lotId).
		Updates(map[string]interface{}{
			"is_void":       true,
			"void_reason":   &reason,
			"voided_at":     &now,
			"qty_remaining": gorm.Expr("qty_received"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("void lot_id=%d: %w", lotId, ErrLotUpdateConflict)
	}
	return nil
}

// CreateReceiptLot records a stock-in or opening-balance layer.
// Bundles never hold lots.
func (r *LotRepository) CreateReceiptLot(ctx context.Context, businessId string, input *NewReceiptLot) (*ReceiptLot, error) {
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	if !input.Qty.IsPositive() {
		return nil, errors.New("lot qty must be positive")
	}
	if input.UnitCost.IsNegative() {
		return nil, errors.New("lot unit cost cannot be negative")
	}

	sku, err := NewSkuRepository(r.tx).GetSku(ctx, businessId, input.SkuCode)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, errors.New("sku not found")
		}
		return nil, err
	}
	if sku.IsBundle != nil && *sku.IsBundle {
		return nil, errors.New("bundle skus cannot hold receipt lots")
	}

	qty := input.Qty.Round(4)
	lot := ReceiptLot{
		BusinessId:   businessId,
		SkuCode:      input.SkuCode,
		ReceivedAt:   input.ReceivedAt,
		QtyReceived:  qty,
		QtyRemaining: qty,
		UnitCost:     input.UnitCost.Round(4),
		Origin:       input.Origin,
		IsVoid:       utils.NewFalse(),
	}
	if err := r.tx.WithContext(ctx).Create(&lot).Error; err != nil {
		return nil, err
	}
	return &lot, nil
}

// UpdateReceiptLot edits an unconsumed lot. Locked lots (partially or fully
// consumed) cannot be edited; they go through the void flow.
func (r *LotRepository) UpdateReceiptLot(ctx context.Context, businessId string, lotId int, input *NewReceiptLot) (*ReceiptLot, error) {
	lot, err := r.GetLot(ctx, businessId, lotId)
	if err != nil {
		return nil, err
	}
	if lot.IsVoid != nil && *lot.IsVoid {
		return nil, errors.New("lot is void")
	}
	if lot.IsLocked() {
		return nil, ErrLotLocked
	}
	if !input.Qty.IsPositive() {
		return nil, errors.New("lot qty must be positive")
	}
	qty := input.Qty.Round(4)
	err = r.tx.WithContext(ctx).Model(&ReceiptLot{}).
		Where("business_id = ? AND id = ? AND qty_remaining = qty_received", businessId, lotId).
		Updates(map[string]interface{}{
			"received_at":   input.ReceivedAt,
			"qty_received":  qty,
			"qty_remaining": qty,
			"unit_cost":     input.UnitCost.Round(4),
		}).Error
	if err != nil {
		return nil, err
	}
	return r.GetLot(ctx, businessId, lotId)
}

// AvailableQty is the derived on-hand view: sum of remaining over live lots.
func (r *LotRepository) AvailableQty(ctx context.Context, businessId string, skuCode string) (decimal.Decimal, error) {
	var available decimal.Decimal
	err := r.tx.WithContext(ctx).Model(&ReceiptLot{}).
		Where("business_id = ? AND sku_code = ? AND is_void = 0", businessId, skuCode).
		Select("COALESCE(SUM(qty_remaining), 0)").
		Scan(&available).Error
	if err != nil {
		return decimal.Zero, err
	}
	return available, nil
}
