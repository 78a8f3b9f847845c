package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/config"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Sku is a sellable item definition. Bundles are virtual: they never hold
// receipt lots of their own, only their components do.
type Sku struct {
	ID          int    `gorm:"primary_key" json:"id"`
	BusinessId  string `gorm:"size:64;index:uniq_sku_code,unique,priority:1;not null" json:"business_id"`
	SkuCode     string `gorm:"size:100;index:uniq_sku_code,unique,priority:2;not null" json:"sku_code"`
	DisplayName string `gorm:"size:255" json:"display_name"`
	// BaseUnitCost is an informational fallback shown in catalog screens.
	// COGS never uses it; cost always comes from the consumed lot.
	BaseUnitCost decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"base_unit_cost"`
	IsBundle     *bool           `gorm:"not null;default:false" json:"is_bundle"`
	IsActive     *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BundleComponent is one row of a bundle recipe. Components must be
// non-bundle SKUs; nested bundles are rejected at resolve time.
type BundleComponent struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"size:64;index:idx_bundle_comp,priority:1;not null" json:"business_id"`
	BundleSkuCode    string          `gorm:"size:100;index:idx_bundle_comp,priority:2;not null" json:"bundle_sku_code"`
	ComponentSkuCode string          `gorm:"size:100;not null" json:"component_sku_code"`
	QtyPerBundleUnit decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_per_bundle_unit"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSku struct {
	SkuCode      string          `json:"sku_code" validate:"required"`
	DisplayName  string          `json:"display_name"`
	BaseUnitCost decimal.Decimal `json:"base_unit_cost"`
	IsBundle     *bool           `json:"is_bundle"`
}

type NewBundleComponent struct {
	ComponentSkuCode string          `json:"component_sku_code" validate:"required"`
	QtyPerBundleUnit decimal.Decimal `json:"qty_per_bundle_unit"`
}

// isDuplicateKeyError reports MySQL errno 1062 so callers can surface a
// conflict instead of a raw driver error.
func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

type SkuRepository struct {
	tx *gorm.DB
}

func NewSkuRepository(tx *gorm.DB) *SkuRepository {
	return &SkuRepository{tx: tx}
}

// GetSku returns utils.ErrorRecordNotFound when the code is unknown so
// callers can distinguish "no mapping" from storage failures.
func (r *SkuRepository) GetSku(ctx context.Context, businessId string, skuCode string) (*Sku, error) {
	var sku Sku
	err := r.tx.WithContext(ctx).
		Where("business_id = ? AND sku_code = ?", businessId, skuCode).
		First(&sku).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sku, nil
}

func bundleRecipeCacheKey(businessId string, bundleSkuCode string) string {
	return fmt.Sprintf("bundleRecipe:%s:%s", businessId, bundleSkuCode)
}

// GetBundleComponents loads a bundle recipe, redis-cached since recipes change
// rarely but are read on every allocated order line.
func (r *SkuRepository) GetBundleComponents(ctx context.Context, businessId string, bundleSkuCode string) ([]*BundleComponent, error) {
	cacheKey := bundleRecipeCacheKey(businessId, bundleSkuCode)

	var cached []*BundleComponent
	exists, err := config.GetRedisObject(cacheKey, &cached)
	if err != nil {
		return nil, err
	}
	if exists {
		return cached, nil
	}

	var components []*BundleComponent
	if err := r.tx.WithContext(ctx).
		Where("business_id = ? AND bundle_sku_code = ?", businessId, bundleSkuCode).
		Order("id ASC").
		Find(&components).Error; err != nil {
		return nil, err
	}

	if err := config.SetRedisObject(cacheKey, &components, 10*time.Minute); err != nil {
		return nil, err
	}
	return components, nil
}

// InvalidateBundleRecipeCache must be called by the recipe editor path after
// any component row changes.
func InvalidateBundleRecipeCache(businessId string, bundleSkuCode string) error {
	return config.RemoveRedisKey(bundleRecipeCacheKey(businessId, bundleSkuCode))
}

// CreateSku registers a catalog entry. Codes are unique per business;
// a clash maps to utils.ErrorDuplicateRecord.
func (r *SkuRepository) CreateSku(ctx context.Context, businessId string, input *NewSku) (*Sku, error) {
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	if input.BaseUnitCost.IsNegative() {
		return nil, errors.New("base_unit_cost must not be negative")
	}

	sku := &Sku{
		BusinessId:   businessId,
		SkuCode:      input.SkuCode,
		DisplayName:  input.DisplayName,
		BaseUnitCost: input.BaseUnitCost.Round(4),
		IsBundle:     input.IsBundle,
		IsActive:     utils.NewTrue(),
	}
	if sku.IsBundle == nil {
		sku.IsBundle = utils.NewFalse()
	}
	if err := r.tx.WithContext(ctx).Create(sku).Error; err != nil {
		if isDuplicateKeyError(err) {
			return nil, fmt.Errorf("sku %s: %w", input.SkuCode, utils.ErrorDuplicateRecord)
		}
		return nil, err
	}
	return sku, nil
}

// SetBundleComponents replaces a bundle's recipe wholesale and invalidates
// the cached copy. Components must exist and must not themselves be bundles.
func (r *SkuRepository) SetBundleComponents(ctx context.Context, businessId string, bundleSkuCode string, inputs []*NewBundleComponent) ([]*BundleComponent, error) {
	if len(inputs) == 0 {
		return nil, errors.New("a bundle needs at least one component")
	}

	bundle, err := r.GetSku(ctx, businessId, bundleSkuCode)
	if err != nil {
		return nil, err
	}
	if !utils.DereferencePtr(bundle.IsBundle) {
		return nil, fmt.Errorf("sku %s is not a bundle", bundleSkuCode)
	}

	var components []*BundleComponent
	err = r.tx.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := NewSkuRepository(tx)
		for _, input := range inputs {
			if err := validate.Struct(input); err != nil {
				return err
			}
			if !input.QtyPerBundleUnit.IsPositive() {
				return fmt.Errorf("component %s: qty_per_bundle_unit must be positive", input.ComponentSkuCode)
			}
			comp, err := repo.GetSku(ctx, businessId, input.ComponentSkuCode)
			if err != nil {
				return fmt.Errorf("component %s: %w", input.ComponentSkuCode, err)
			}
			if utils.DereferencePtr(comp.IsBundle) {
				return fmt.Errorf("component %s is a bundle; recipes must be flat", input.ComponentSkuCode)
			}
			components = append(components, &BundleComponent{
				BusinessId:       businessId,
				BundleSkuCode:    bundleSkuCode,
				ComponentSkuCode: input.ComponentSkuCode,
				QtyPerBundleUnit: input.QtyPerBundleUnit.Round(4),
			})
		}
		if err := tx.Where("business_id = ? AND bundle_sku_code = ?", businessId, bundleSkuCode).
			Delete(&BundleComponent{}).Error; err != nil {
			return err
		}
		for _, comp := range components {
			if err := tx.Create(comp).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := InvalidateBundleRecipeCache(businessId, bundleSkuCode); err != nil {
		return nil, err
	}
	return components, nil
}
