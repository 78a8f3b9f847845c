package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	"gorm.io/gorm"
)

// CogsApplyRun is the immutable audit record of one batch invocation of the
// allocation engine over a date range.
type CogsApplyRun struct {
	ID         int              `gorm:"primary_key" json:"id"`
	BusinessId string           `gorm:"size:64;index;not null" json:"business_id"`
	StartDate  time.Time        `gorm:"not null" json:"start_date"`
	EndDate    time.Time        `gorm:"not null" json:"end_date"`
	Method     AllocationMethod `gorm:"type:enum('FIFO');default:'FIFO'" json:"method"`

	TotalCount      int `gorm:"not null;default:0" json:"total_count"`
	EligibleCount   int `gorm:"not null;default:0" json:"eligible_count"`
	SuccessfulCount int `gorm:"not null;default:0" json:"successful_count"`
	PartialCount    int `gorm:"not null;default:0" json:"partial_count"`
	SkippedCount    int `gorm:"not null;default:0" json:"skipped_count"`
	FailedCount     int `gorm:"not null;default:0" json:"failed_count"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CogsRunItem is the per-order detail of one run, the record an operator
// reads to diagnose a partial run. MissingSkus/AllocatedSkus are
// comma-joined component codes.
type CogsRunItem struct {
	ID            int           `gorm:"primary_key" json:"id"`
	RunId         int           `gorm:"index:idx_run_item,priority:1;not null" json:"run_id"`
	BusinessId    string        `gorm:"size:64;index;not null" json:"business_id"`
	OrderId       string        `gorm:"size:100;index:idx_run_item,priority:2;not null" json:"order_id"`
	Status        RunItemStatus `gorm:"type:enum('successful','partial','skipped','failed');not null" json:"status"`
	MissingSkus   string        `gorm:"type:text" json:"missing_skus"`
	AllocatedSkus string        `gorm:"type:text" json:"allocated_skus"`
	Reason        string        `gorm:"type:text" json:"reason"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

type RunRepository struct {
	tx *gorm.DB
}

func NewRunRepository(tx *gorm.DB) *RunRepository {
	return &RunRepository{tx: tx}
}

// CreateRun persists the run header plus every item in one transaction.
func (r *RunRepository) CreateRun(ctx context.Context, run *CogsApplyRun, items []*CogsRunItem) error {
	return r.tx.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		for _, item := range items {
			item.RunId = run.ID
			item.BusinessId = run.BusinessId
			if err := tx.Create(item).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *RunRepository) GetRun(ctx context.Context, businessId string, runId int) (*CogsApplyRun, []*CogsRunItem, error) {
	var run CogsApplyRun
	err := r.tx.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, runId).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	var items []*CogsRunItem
	if err := r.tx.WithContext(ctx).
		Where("business_id = ? AND run_id = ?", businessId, runId).
		Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, nil, err
	}
	return &run, items, nil
}

func (r *RunRepository) ListRuns(ctx context.Context, businessId string, limit int) ([]*CogsApplyRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []*CogsApplyRun
	err := r.tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}
