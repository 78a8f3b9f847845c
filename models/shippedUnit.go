package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ShippedUnitEvent is an imported "units shipped" fact from the order
// pipeline. The costing engine only reads these; the import pipeline owns
// creation and cancellation flags.
type ShippedUnitEvent struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"size:64;index:idx_shipped_range,priority:1;not null" json:"business_id"`
	OrderId    string `gorm:"size:100;index;not null" json:"order_id"`
	// SkuCode may be blank when the import could not map the marketplace
	// listing to a catalog SKU; such events are skipped with a reason.
	SkuCode   string          `gorm:"size:100" json:"sku_code"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	ShippedAt time.Time       `gorm:"index:idx_shipped_range,priority:2;not null" json:"shipped_at"`
	Cancelled *bool           `gorm:"not null;default:false" json:"cancelled"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type ShippedUnitRepository struct {
	tx *gorm.DB
}

func NewShippedUnitRepository(tx *gorm.DB) *ShippedUnitRepository {
	return &ShippedUnitRepository{tx: tx}
}

// LoadShippedUnits returns events with shipped_at inside [start, end],
// ordered deterministically for replay.
func (r *ShippedUnitRepository) LoadShippedUnits(ctx context.Context, businessId string, start time.Time, end time.Time) ([]*ShippedUnitEvent, error) {
	var events []*ShippedUnitEvent
	err := r.tx.WithContext(ctx).
		Where("business_id = ? AND shipped_at >= ? AND shipped_at <= ?", businessId, start, end).
		Order("shipped_at ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
