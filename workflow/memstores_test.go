package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/models"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// In-memory store fakes. They honor the same contracts as the gorm
// repositories: FIFO ordering, conditional quantity updates rejecting with
// models.ErrLotUpdateConflict, active = not-a-reversal and not-reversed.

const testBusinessId = "biz-1"

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type memCatalog struct {
	skus    map[string]*models.Sku
	bundles map[string][]*models.BundleComponent
	skuErr  map[string]error
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		skus:    map[string]*models.Sku{},
		bundles: map[string][]*models.BundleComponent{},
		skuErr:  map[string]error{},
	}
}

func (c *memCatalog) addSku(code string, isBundle bool) {
	c.skus[code] = &models.Sku{
		ID:         len(c.skus) + 1,
		BusinessId: testBusinessId,
		SkuCode:    code,
		IsBundle:   &isBundle,
		IsActive:   utils.NewTrue(),
	}
}

func (c *memCatalog) addBundle(code string, components map[string]string) {
	c.addSku(code, true)
	codes := make([]string, 0, len(components))
	for comp := range components {
		codes = append(codes, comp)
	}
	sort.Strings(codes)
	for _, comp := range codes {
		c.bundles[code] = append(c.bundles[code], &models.BundleComponent{
			BusinessId:       testBusinessId,
			BundleSkuCode:    code,
			ComponentSkuCode: comp,
			QtyPerBundleUnit: dec(components[comp]),
		})
	}
}

func (c *memCatalog) GetSku(ctx context.Context, businessId string, skuCode string) (*models.Sku, error) {
	if err, ok := c.skuErr[skuCode]; ok {
		return nil, err
	}
	sku, ok := c.skus[skuCode]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return sku, nil
}

func (c *memCatalog) GetBundleComponents(ctx context.Context, businessId string, bundleSkuCode string) ([]*models.BundleComponent, error) {
	return c.bundles[bundleSkuCode], nil
}

type memLots struct {
	lots   []*models.ReceiptLot
	nextId int
}

func newMemLots() *memLots { return &memLots{nextId: 1} }

func (m *memLots) addLot(skuCode string, receivedAt time.Time, qty string, unitCost string) *models.ReceiptLot {
	lot := &models.ReceiptLot{
		ID:           m.nextId,
		BusinessId:   testBusinessId,
		SkuCode:      skuCode,
		ReceivedAt:   receivedAt,
		QtyReceived:  dec(qty),
		QtyRemaining: dec(qty),
		UnitCost:     dec(unitCost),
		Origin:       models.LotOriginStockIn,
		IsVoid:       utils.NewFalse(),
	}
	m.nextId++
	m.lots = append(m.lots, lot)
	return lot
}

func (m *memLots) LoadLotsOrdered(ctx context.Context, businessId string, skuCode string) ([]*models.ReceiptLot, error) {
	var out []*models.ReceiptLot
	for _, lot := range m.lots {
		if lot.SkuCode != skuCode || utils.DereferencePtr(lot.IsVoid) || !lot.QtyRemaining.IsPositive() {
			continue
		}
		out = append(out, lot)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memLots) GetLot(ctx context.Context, businessId string, lotId int) (*models.ReceiptLot, error) {
	for _, lot := range m.lots {
		if lot.ID == lotId {
			return lot, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (m *memLots) DecrementRemaining(ctx context.Context, businessId string, lotId int, qty decimal.Decimal) error {
	for _, lot := range m.lots {
		if lot.ID != lotId {
			continue
		}
		if utils.DereferencePtr(lot.IsVoid) || lot.QtyRemaining.LessThan(qty) {
			return fmt.Errorf("decrement lot_id=%d qty=%s: %w", lotId, qty, models.ErrLotUpdateConflict)
		}
		lot.QtyRemaining = lot.QtyRemaining.Sub(qty)
		return nil
	}
	return fmt.Errorf("decrement lot_id=%d: %w", lotId, models.ErrLotUpdateConflict)
}

func (m *memLots) IncrementRemaining(ctx context.Context, businessId string, lotId int, qty decimal.Decimal) error {
	for _, lot := range m.lots {
		if lot.ID != lotId {
			continue
		}
		if utils.DereferencePtr(lot.IsVoid) || lot.QtyRemaining.Add(qty).GreaterThan(lot.QtyReceived) {
			return fmt.Errorf("increment lot_id=%d qty=%s: %w", lotId, qty, models.ErrLotUpdateConflict)
		}
		lot.QtyRemaining = lot.QtyRemaining.Add(qty)
		return nil
	}
	return fmt.Errorf("increment lot_id=%d: %w", lotId, models.ErrLotUpdateConflict)
}

func (m *memLots) MarkVoid(ctx context.Context, businessId string, lotId int, reason string) error {
	for _, lot := range m.lots {
		if lot.ID != lotId {
			continue
		}
		if utils.DereferencePtr(lot.IsVoid) {
			return fmt.Errorf("void lot_id=%d: %w", lotId, models.ErrLotUpdateConflict)
		}
		now := time.Now().UTC()
		lot.IsVoid = utils.NewTrue()
		lot.VoidReason = &reason
		lot.VoidedAt = &now
		lot.QtyRemaining = lot.QtyReceived
		return nil
	}
	return fmt.Errorf("void lot_id=%d: %w", lotId, models.ErrLotUpdateConflict)
}

type memLedger struct {
	rows []*models.Allocation
}

func (m *memLedger) Append(ctx context.Context, a *models.Allocation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.rows = append(m.rows, a)
	return nil
}

func isActive(a *models.Allocation) bool {
	return !a.IsReversal && a.ReversedByAllocationId == nil
}

func (m *memLedger) ActiveAllocatedQty(ctx context.Context, businessId string, orderId string, skuCode string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, a := range m.rows {
		if a.OrderId == orderId && a.SkuCode == skuCode && isActive(a) {
			total = total.Add(a.Qty)
		}
	}
	return total, nil
}

func (m *memLedger) ActiveForOrder(ctx context.Context, businessId string, orderId string) ([]*models.Allocation, error) {
	var out []*models.Allocation
	for _, a := range m.rows {
		if a.OrderId == orderId && isActive(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memLedger) ActiveForLot(ctx context.Context, businessId string, lotId int) ([]*models.Allocation, error) {
	var out []*models.Allocation
	for _, a := range m.rows {
		if a.LotId == lotId && isActive(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memLedger) HasActiveForOrder(ctx context.Context, businessId string, orderId string) (bool, error) {
	rows, _ := m.ActiveForOrder(ctx, businessId, orderId)
	return len(rows) > 0, nil
}

func (m *memLedger) MarkReversed(ctx context.Context, originalId string, reversalId string, reason string) error {
	for _, a := range m.rows {
		if a.ID == originalId {
			a.ReversedByAllocationId = &reversalId
			a.ReversalReason = &reason
			return nil
		}
	}
	return fmt.Errorf("allocation %s not found", originalId)
}

type memEnv struct {
	catalog *memCatalog
	lots    *memLots
	ledger  *memLedger
}

func newMemEnv() *memEnv {
	return &memEnv{catalog: newMemCatalog(), lots: newMemLots(), ledger: &memLedger{}}
}

func (e *memEnv) stores() Stores {
	return Stores{Catalog: e.catalog, Lots: e.lots, Ledger: e.ledger}
}

// memRunner executes order functions directly; rollback behavior is covered
// by the MySQL integration test, not here.
type memRunner struct {
	env *memEnv
}

func (r *memRunner) RunOrder(ctx context.Context, fn func(s Stores) error) error {
	return fn(r.env.stores())
}

type memEvents struct {
	events []*models.ShippedUnitEvent
}

func (m *memEvents) add(orderId string, skuCode string, qty string, shippedAt time.Time, cancelled bool) {
	m.events = append(m.events, &models.ShippedUnitEvent{
		ID:         len(m.events) + 1,
		BusinessId: testBusinessId,
		OrderId:    orderId,
		SkuCode:    skuCode,
		Quantity:   dec(qty),
		ShippedAt:  shippedAt,
		Cancelled:  &cancelled,
	})
}

func (m *memEvents) LoadShippedUnits(ctx context.Context, businessId string, start time.Time, end time.Time) ([]*models.ShippedUnitEvent, error) {
	var out []*models.ShippedUnitEvent
	for _, ev := range m.events {
		if !ev.ShippedAt.Before(start) && !ev.ShippedAt.After(end) {
			out = append(out, ev)
		}
	}
	return out, nil
}

type memRuns struct {
	runs  []*models.CogsApplyRun
	items map[int][]*models.CogsRunItem
}

func (m *memRuns) CreateRun(ctx context.Context, run *models.CogsApplyRun, items []*models.CogsRunItem) error {
	if m.items == nil {
		m.items = map[int][]*models.CogsRunItem{}
	}
	run.ID = len(m.runs) + 1
	for _, item := range items {
		item.RunId = run.ID
		item.BusinessId = run.BusinessId
	}
	m.runs = append(m.runs, run)
	m.items[run.ID] = items
	return nil
}
