package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	"github.com/shopspring/decimal"
)

// ComponentRequirement is one physical SKU an order line demands after bundle
// expansion. Quantities are rounded to 4 decimal places.
type ComponentRequirement struct {
	SkuCode     string
	RequiredQty decimal.Decimal
}

// ResolveComponents maps a sold SKU code to the physical components to
// consume. A plain SKU resolves to itself. A bundle resolves to its recipe
// rows with quantities multiplied through; duplicate component codes in a
// recipe are summed. Recipes must be flat: a component that is itself a
// bundle is a structural error, not something to expand recursively.
func ResolveComponents(ctx context.Context, catalog SkuCatalog, businessId string, skuCode string, qty decimal.Decimal) ([]ComponentRequirement, error) {
	sku, err := catalog.GetSku(ctx, businessId, skuCode)
	if err != nil {
		return nil, err
	}

	if !utils.DereferencePtr(sku.IsBundle) {
		return []ComponentRequirement{{SkuCode: sku.SkuCode, RequiredQty: qty.Round(4)}}, nil
	}

	components, err := catalog.GetBundleComponents(ctx, businessId, sku.SkuCode)
	if err != nil {
		return nil, err
	}
	if len(components) == 0 {
		return nil, structuralErrorf("bundle %s has no components", sku.SkuCode)
	}

	requirements := make([]ComponentRequirement, 0, len(components))
	index := make(map[string]int, len(components))
	for _, comp := range components {
		compSku, err := catalog.GetSku(ctx, businessId, comp.ComponentSkuCode)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				return nil, structuralErrorf("bundle %s references unknown component %s", sku.SkuCode, comp.ComponentSkuCode)
			}
			return nil, err
		}
		if utils.DereferencePtr(compSku.IsBundle) {
			return nil, structuralErrorf("bundle %s nests bundle %s; recipes must be flat", sku.SkuCode, compSku.SkuCode)
		}
		if !comp.QtyPerBundleUnit.IsPositive() {
			return nil, structuralErrorf("bundle %s component %s has non-positive qty per unit", sku.SkuCode, comp.ComponentSkuCode)
		}

		need := qty.Mul(comp.QtyPerBundleUnit).Round(4)
		if i, ok := index[comp.ComponentSkuCode]; ok {
			requirements[i].RequiredQty = requirements[i].RequiredQty.Add(need)
			continue
		}
		index[comp.ComponentSkuCode] = len(requirements)
		requirements = append(requirements, ComponentRequirement{
			SkuCode:     comp.ComponentSkuCode,
			RequiredQty: need,
		})
	}
	return requirements, nil
}
