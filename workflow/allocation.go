package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/models"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// OrderEvent is one shipped-unit fact the engine costs.
type OrderEvent struct {
	OrderId   string
	SkuCode   string
	Quantity  decimal.Decimal
	ShippedAt time.Time
	Cancelled bool
}

// OrderOutcome is what one AllocateOrder call produced, before run items
// are persisted.
type OrderOutcome struct {
	OrderId       string
	Status        models.RunItemStatus
	Reason        string
	MissingSkus   []string
	AllocatedSkus []string
	AllocatedQty  decimal.Decimal
}

// AllocationEngine walks receipt lots oldest-first and writes ledger rows.
// It never touches run bookkeeping; the coordinator owns that.
type AllocationEngine struct {
	Logger *logrus.Logger
}

// AllocateOrder costs one shipped-unit event. Whatever it allocates stays
// allocated: a partial fill commits as-is and a later retry tops up only the
// outstanding remainder. Returns an error only for storage failures or
// invariant violations; business outcomes (skips, shortfalls) come back in
// the OrderOutcome.
func (e *AllocationEngine) AllocateOrder(ctx context.Context, s Stores, businessId string, ev *OrderEvent) (*OrderOutcome, error) {
	outcome := &OrderOutcome{OrderId: ev.OrderId, AllocatedQty: decimal.Zero}

	if ev.Cancelled {
		outcome.Status = models.RunItemStatusSkipped
		outcome.Reason = SkipReasonCancelled
		return outcome, nil
	}
	if ev.SkuCode == "" {
		outcome.Status = models.RunItemStatusSkipped
		outcome.Reason = SkipReasonMissingSku
		return outcome, nil
	}
	if !ev.Quantity.IsPositive() {
		outcome.Status = models.RunItemStatusSkipped
		outcome.Reason = SkipReasonNonPositiveQty
		return outcome, nil
	}

	requirements, err := ResolveComponents(ctx, s.Catalog, businessId, ev.SkuCode, ev.Quantity)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		outcome.Status = models.RunItemStatusSkipped
		outcome.Reason = SkipReasonMissingSku
		outcome.MissingSkus = []string{ev.SkuCode}
		return outcome, nil
	}
	var structural *StructuralError
	if errors.As(err, &structural) {
		outcome.Status = models.RunItemStatusFailed
		outcome.Reason = structural.Msg
		return outcome, nil
	}
	if err != nil {
		return nil, err
	}

	// Outstanding demand per component. Prior active rows count toward the
	// requirement so a re-run of an already-costed order is a no-op and a
	// retry after a shortfall only draws the remainder.
	type componentState struct {
		req         ComponentRequirement
		outstanding decimal.Decimal
		priorQty    decimal.Decimal
	}
	states := make([]*componentState, 0, len(requirements))
	anyOutstanding := false
	for _, req := range requirements {
		prior, err := s.Ledger.ActiveAllocatedQty(ctx, businessId, ev.OrderId, req.SkuCode)
		if err != nil {
			return nil, err
		}
		outstanding := req.RequiredQty.Sub(prior)
		if outstanding.IsPositive() {
			anyOutstanding = true
		}
		states = append(states, &componentState{req: req, outstanding: outstanding, priorQty: prior})
	}
	if !anyOutstanding {
		outcome.Status = models.RunItemStatusSkipped
		outcome.Reason = SkipReasonAlreadyAllocated
		return outcome, nil
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	covered := 0
	anyActive := false
	for _, st := range states {
		if !st.outstanding.IsPositive() {
			covered++
			if st.priorQty.IsPositive() {
				anyActive = true
				outcome.AllocatedSkus = append(outcome.AllocatedSkus, st.req.SkuCode)
			}
			continue
		}

		allocated, err := e.consumeComponent(ctx, s, businessId, ev, st.req.SkuCode, st.outstanding, correlationId)
		if err != nil {
			return nil, err
		}
		outcome.AllocatedQty = outcome.AllocatedQty.Add(allocated)
		if allocated.IsPositive() || st.priorQty.IsPositive() {
			anyActive = true
		}
		// AllocatedSkus lists fully covered components only; a short
		// component belongs in MissingSkus alone.
		if allocated.Equal(st.outstanding) {
			covered++
			outcome.AllocatedSkus = append(outcome.AllocatedSkus, st.req.SkuCode)
		} else {
			outcome.MissingSkus = append(outcome.MissingSkus, st.req.SkuCode)
		}
	}

	switch {
	case covered == len(states):
		outcome.Status = models.RunItemStatusSuccessful
	case anyActive || covered > 0:
		outcome.Status = models.RunItemStatusPartial
		outcome.Reason = FailReasonInsufficientStock
	default:
		outcome.Status = models.RunItemStatusFailed
		outcome.Reason = FailReasonInsufficientStock
	}
	if len(outcome.MissingSkus) > 0 && e.Logger != nil {
		e.Logger.WithFields(logrus.Fields{
			"module":  moduleName,
			"orderId": ev.OrderId,
			"missing": strings.Join(outcome.MissingSkus, ","),
		}).Warn("order left short of stock")
	}
	return outcome, nil
}

// consumeComponent draws need from the component's lots oldest-first. Every
// lot line becomes its own ledger row costed at that lot's unit cost; a
// shortfall simply returns less than need.
func (e *AllocationEngine) consumeComponent(ctx context.Context, s Stores, businessId string, ev *OrderEvent, skuCode string, need decimal.Decimal, correlationId string) (decimal.Decimal, error) {
	lots, err := s.Lots.LoadLotsOrdered(ctx, businessId, skuCode)
	if err != nil {
		return decimal.Zero, err
	}

	allocated := decimal.Zero
	remaining := need
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lot.QtyRemaining)
		if !take.IsPositive() {
			continue
		}

		if err := s.Lots.DecrementRemaining(ctx, businessId, lot.ID, take); err != nil {
			if errors.Is(err, models.ErrLotUpdateConflict) {
				return decimal.Zero, &InvariantViolation{
					Op:  fmt.Sprintf("consume order_id=%s sku=%s lot_id=%d", ev.OrderId, skuCode, lot.ID),
					Err: err,
				}
			}
			return decimal.Zero, err
		}

		row := &models.Allocation{
			BusinessId:    businessId,
			OrderId:       ev.OrderId,
			SkuCode:       skuCode,
			LotId:         lot.ID,
			ShippedAt:     ev.ShippedAt,
			Method:        models.AllocationMethodFifo,
			Qty:           take,
			UnitCostUsed:  lot.UnitCost,
			Amount:        take.Mul(lot.UnitCost).Round(2),
			CorrelationId: correlationId,
		}
		if err := s.Ledger.Append(ctx, row); err != nil {
			return decimal.Zero, err
		}

		allocated = allocated.Add(take)
		remaining = remaining.Sub(take)
	}
	return allocated, nil
}
