package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/config"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/models"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrLotAlreadyVoid = errors.New("lot is already void")

// ErrLotConsumed guards the void path: reversing a consumed lot un-costs
// every order that drew from it, so the caller must opt in.
var ErrLotConsumed = errors.New("lot has been consumed; voiding requires accepting partial reversal")

// VoidResult summarizes one lot void: how much consumption was reversed and
// how many ledger rows it took.
type VoidResult struct {
	LotId               int
	RestoredQty         decimal.Decimal
	ReversedAllocations int
}

// ClearResult summarizes clearing one order's costing.
type ClearResult struct {
	OrderId      string
	ClearedCount int
	RestoredQty  decimal.Decimal
}

// appendReversal writes the negating row for one active allocation and links
// the pair. Qty and amount negate the original exactly; no recomputation.
func appendReversal(ctx context.Context, ledger AllocationLedger, original *models.Allocation, reason string) (*models.Allocation, error) {
	rev := &models.Allocation{
		ID:                   uuid.NewString(),
		BusinessId:           original.BusinessId,
		OrderId:              original.OrderId,
		SkuCode:              original.SkuCode,
		LotId:                original.LotId,
		ShippedAt:            original.ShippedAt,
		Method:               original.Method,
		Qty:                  original.Qty.Neg(),
		UnitCostUsed:         original.UnitCostUsed,
		Amount:               original.Amount.Neg(),
		IsReversal:           true,
		ReversesAllocationId: &original.ID,
		ReversalReason:       &reason,
		CorrelationId:        original.CorrelationId,
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		rev.CorrelationId = correlationId
	}
	if err := ledger.Append(ctx, rev); err != nil {
		return nil, err
	}
	if err := ledger.MarkReversed(ctx, original.ID, rev.ID, reason); err != nil {
		return nil, err
	}
	return rev, nil
}

// VoidReceiptLot retires a lot recorded in error. Every active allocation
// against the lot is reversed so affected orders drop back to un-costed (or
// partially costed) and a later run re-draws from the surviving lots. The
// lot itself leaves the FIFO pool; nothing is restored to it. A consumed lot
// is refused with ErrLotConsumed unless acceptPartial is set.
func VoidReceiptLot(ctx context.Context, s Stores, logger *logrus.Logger, businessId string, lotId int, reason string, acceptPartial bool) (*VoidResult, error) {
	lot, err := s.Lots.GetLot(ctx, businessId, lotId)
	if err != nil {
		return nil, err
	}
	if utils.DereferencePtr(lot.IsVoid) {
		return nil, ErrLotAlreadyVoid
	}
	if lot.IsLocked() && !acceptPartial {
		return nil, ErrLotConsumed
	}

	active, err := s.Ledger.ActiveForLot(ctx, businessId, lotId)
	if err != nil {
		return nil, err
	}

	result := &VoidResult{LotId: lotId, RestoredQty: decimal.Zero}
	for _, a := range active {
		if _, err := appendReversal(ctx, s.Ledger, a, reason); err != nil {
			config.LogError(logger, moduleName, "VoidReceiptLot", "Failed to reverse allocation", a.ID, err)
			return nil, err
		}
		result.RestoredQty = result.RestoredQty.Add(a.Qty)
		result.ReversedAllocations++
	}

	if err := s.Lots.MarkVoid(ctx, businessId, lotId, reason); err != nil {
		config.LogError(logger, moduleName, "VoidReceiptLot", "Failed to mark lot void", lotId, err)
		return nil, err
	}
	return result, nil
}

// ClearOrderAllocations reverses every active allocation for one order and
// restores the consumed quantities to their lots, so the order can be
// re-costed from scratch. Allocations against since-voided lots were already
// reversed by the void and are not touched here.
func ClearOrderAllocations(ctx context.Context, s Stores, logger *logrus.Logger, businessId string, orderId string) (*ClearResult, error) {
	active, err := s.Ledger.ActiveForOrder(ctx, businessId, orderId)
	if err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("allocations cleared for order %s", orderId)
	result := &ClearResult{OrderId: orderId, RestoredQty: decimal.Zero}
	for _, a := range active {
		if _, err := appendReversal(ctx, s.Ledger, a, reason); err != nil {
			config.LogError(logger, moduleName, "ClearOrderAllocations", "Failed to reverse allocation", a.ID, err)
			return nil, err
		}
		if err := s.Lots.IncrementRemaining(ctx, businessId, a.LotId, a.Qty); err != nil {
			config.LogError(logger, moduleName, "ClearOrderAllocations", "Failed to restore lot quantity", a.LotId, err)
			return nil, err
		}
		result.RestoredQty = result.RestoredQty.Add(a.Qty)
		result.ClearedCount++
	}
	return result, nil
}
