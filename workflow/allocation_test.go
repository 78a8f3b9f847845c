package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

var shipTime = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func newEngine() *AllocationEngine {
	return &AllocationEngine{Logger: testLogger()}
}

func allocate(t *testing.T, env *memEnv, ev *OrderEvent) *OrderOutcome {
	t.Helper()
	outcome, err := newEngine().AllocateOrder(context.Background(), env.stores(), testBusinessId, ev)
	if err != nil {
		t.Fatalf("AllocateOrder: %v", err)
	}
	return outcome
}

// assertConservation checks that what left the lots equals what the active
// ledger says was consumed for a SKU.
func assertConservation(t *testing.T, env *memEnv, skuCode string) {
	t.Helper()
	consumed := decimal.Zero
	for _, lot := range env.lots.lots {
		if lot.SkuCode != skuCode || *lot.IsVoid {
			continue
		}
		consumed = consumed.Add(lot.QtyReceived.Sub(lot.QtyRemaining))
	}
	ledger := decimal.Zero
	for _, a := range env.ledger.rows {
		if a.SkuCode == skuCode && isActive(a) {
			ledger = ledger.Add(a.Qty)
		}
	}
	if !consumed.Equal(ledger) {
		t.Fatalf("conservation broken for %s: lots say %s, ledger says %s", skuCode, consumed, ledger)
	}
}

func TestAllocateOrderConsumesOldestLotFirst(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)
	old := env.lots.addLot("SKU-A", shipTime.AddDate(0, -2, 0), "5", "10")
	newer := env.lots.addLot("SKU-A", shipTime.AddDate(0, -1, 0), "5", "12")

	outcome := allocate(t, env, &OrderEvent{OrderId: "ord-1", SkuCode: "SKU-A", Quantity: dec("7"), ShippedAt: shipTime})

	if outcome.Status != models.RunItemStatusSuccessful {
		t.Fatalf("expected successful, got %s (%s)", outcome.Status, outcome.Reason)
	}
	if !old.QtyRemaining.IsZero() {
		t.Fatalf("oldest lot should be depleted, has %s", old.QtyRemaining)
	}
	if !newer.QtyRemaining.Equal(dec("3")) {
		t.Fatalf("newer lot should have 3 left, has %s", newer.QtyRemaining)
	}
	if len(env.ledger.rows) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(env.ledger.rows))
	}
	if !env.ledger.rows[0].Amount.Equal(dec("50")) || !env.ledger.rows[1].Amount.Equal(dec("24")) {
		t.Fatalf("unexpected amounts: %s, %s", env.ledger.rows[0].Amount, env.ledger.rows[1].Amount)
	}
	assertConservation(t, env, "SKU-A")
}

func TestAllocateOrderBreaksReceivedAtTiesById(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)
	sameTime := shipTime.AddDate(0, -1, 0)
	first := env.lots.addLot("SKU-A", sameTime, "2", "10")
	env.lots.addLot("SKU-A", sameTime, "2", "11")

	allocate(t, env, &OrderEvent{OrderId: "ord-1", SkuCode: "SKU-A", Quantity: dec("1"), ShippedAt: shipTime})

	if !first.QtyRemaining.Equal(dec("1")) {
		t.Fatalf("lower-id lot should be drawn first, has %s", first.QtyRemaining)
	}
}

func TestAllocateOrderRoundsAmountPerLotLine(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)
	env.lots.addLot("SKU-A", shipTime.AddDate(0, -1, 0), "3", "3.333")

	allocate(t, env, &OrderEvent{OrderId: "ord-1", SkuCode: "SKU-A", Quantity: dec("3"), ShippedAt: shipTime})

	// 3 * 3.333 = 9.999, rounded to 2 decimal places per lot line.
	if got := env.ledger.rows[0].Amount.String(); got != "10" {
		t.Fatalf("expected amount 10, got %s", got)
	}
	if got := env.ledger.rows[0].UnitCostUsed.String(); got != "3.333" {
		t.Fatalf("unit cost should be the lot cost, got %s", got)
	}
}

func TestAllocateOrderPartialFillPersists(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)
	lot := env.lots.addLot("SKU-A", shipTime.AddDate(0, -1, 0), "6", "10")

	outcome := allocate(t, env, &OrderEvent{OrderId: "ord-1", SkuCode: "SKU-A", Quantity: dec("10"), ShippedAt: shipTime})

	if outcome.Status != models.RunItemStatusPartial {
		t.Fatalf("expected partial, got %s", outcome.Status)
	}
	if outcome.Reason != FailReasonInsufficientStock {
		t.Fatalf("expected insufficient_stock, got %q", outcome.Reason)
	}
	if !outcome.AllocatedQty.Equal(dec("6")) {
		t.Fatalf("expected 6 allocated, got %s", outcome.AllocatedQty)
	}
	if !lot.QtyRemaining.IsZero() {
		t.Fatalf("lot should be depleted, has %s", lot.QtyRemaining)
	}
	if len(outcome.MissingSkus) != 1 || outcome.MissingSkus[0] != "SKU-A" {
		t.Fatalf("expected SKU-A in missing skus, got %v", outcome.MissingSkus)
	}
	// A short component is missing, not allocated; the lists never overlap.
	if len(outcome.AllocatedSkus) != 0 {
		t.Fatalf("under-supplied sku must not be reported as allocated, got %v", outcome.AllocatedSkus)
	}
	assertConservation(t, env, "SKU-A")
}

func TestAllocateOrderRetryTopsUpOutstandingOnly(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)
	env.lots.addLot("SKU-A", shipTime.AddDate(0, -2, 0), "6", "10")

	ev := &OrderEvent{OrderId: "ord-1", SkuCode: "SKU-A", Quantity: dec("10"), ShippedAt: shipTime}
	first := allocate(t, env, ev)
	if first.Status != models.RunItemStatusPartial {
		t.Fatalf("expected partial first, got %s", first.Status)
	}

	// New stock arrives, then the range is re-applied.
	env.lots.addLot("SKU-A", shipTime.AddDate(0, -1, 0), "20", "11")
	second := allocate(t, env, ev)

	if second.Status != models.RunItemStatusSuccessful {
		t.Fatalf("expected successful retry, got %s (%s)", second.Status, second.Reason)
	}
	if !second.AllocatedQty.Equal(dec("4")) {
		t.Fatalf("retry should draw only the outstanding 4, got %s", second.AllocatedQty)
	}
	total, _ := env.ledger.ActiveAllocatedQty(context.Background(), testBusinessId, "ord-1", "SKU-A")
	if !total.Equal(dec("10")) {
		t.Fatalf("total active allocation should be exactly 10, got %s", total)
	}
	assertConservation(t, env, "SKU-A")
}

func TestAllocateOrderFullyCoveredOrderIsSkipped(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)
	env.lots.addLot("SKU-A", shipTime.AddDate(0, -1, 0), "10", "10")

	ev := &OrderEvent{OrderId: "ord-1", SkuCode: "SKU-A", Quantity: dec("4"), ShippedAt: shipTime}
	allocate(t, env, ev)
	rowsAfterFirst := len(env.ledger.rows)

	outcome := allocate(t, env, ev)
	if outcome.Status != models.RunItemStatusSkipped || outcome.Reason != SkipReasonAlreadyAllocated {
		t.Fatalf("expected already_allocated skip, got %s (%s)", outcome.Status, outcome.Reason)
	}
	if len(env.ledger.rows) != rowsAfterFirst {
		t.Fatalf("rerun must not append rows")
	}
}

func TestAllocateOrderEligibilitySkips(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)
	env.lots.addLot("SKU-A", shipTime.AddDate(0, -1, 0), "10", "10")

	cases := []struct {
		name   string
		ev     *OrderEvent
		reason string
	}{
		{"cancelled", &OrderEvent{OrderId: "o1", SkuCode: "SKU-A", Quantity: dec("1"), ShippedAt: shipTime, Cancelled: true}, SkipReasonCancelled},
		{"blank sku", &OrderEvent{OrderId: "o2", SkuCode: "", Quantity: dec("1"), ShippedAt: shipTime}, SkipReasonMissingSku},
		{"unknown sku", &OrderEvent{OrderId: "o3", SkuCode: "GHOST", Quantity: dec("1"), ShippedAt: shipTime}, SkipReasonMissingSku},
		{"zero qty", &OrderEvent{OrderId: "o4", SkuCode: "SKU-A", Quantity: dec("0"), ShippedAt: shipTime}, SkipReasonNonPositiveQty},
		{"negative qty", &OrderEvent{OrderId: "o5", SkuCode: "SKU-A", Quantity: dec("-2"), ShippedAt: shipTime}, SkipReasonNonPositiveQty},
	}
	for _, tc := range cases {
		outcome := allocate(t, env, tc.ev)
		if outcome.Status != models.RunItemStatusSkipped || outcome.Reason != tc.reason {
			t.Fatalf("%s: expected skip %q, got %s (%s)", tc.name, tc.reason, outcome.Status, outcome.Reason)
		}
	}
	if len(env.ledger.rows) != 0 {
		t.Fatalf("skips must not write ledger rows")
	}
}

func TestAllocateOrderBundleConsumesComponents(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)
	env.catalog.addSku("SKU-B", false)
	env.catalog.addBundle("PACK-1", map[string]string{"SKU-A": "2", "SKU-B": "1"})
	lotA := env.lots.addLot("SKU-A", shipTime.AddDate(0, -1, 0), "10", "5")
	lotB := env.lots.addLot("SKU-B", shipTime.AddDate(0, -1, 0), "10", "8")

	outcome := allocate(t, env, &OrderEvent{OrderId: "ord-1", SkuCode: "PACK-1", Quantity: dec("3"), ShippedAt: shipTime})

	if outcome.Status != models.RunItemStatusSuccessful {
		t.Fatalf("expected successful, got %s (%s)", outcome.Status, outcome.Reason)
	}
	if !lotA.QtyRemaining.Equal(dec("4")) || !lotB.QtyRemaining.Equal(dec("7")) {
		t.Fatalf("expected 6 of A and 3 of B consumed, remaining A=%s B=%s", lotA.QtyRemaining, lotB.QtyRemaining)
	}
	// Ledger rows reference component SKUs, never the bundle code.
	for _, a := range env.ledger.rows {
		if a.SkuCode == "PACK-1" {
			t.Fatalf("bundle code must not appear in the ledger")
		}
	}
}

func TestAllocateOrderBundlePartialPerComponent(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)
	env.catalog.addSku("SKU-B", false)
	env.catalog.addBundle("PACK-1", map[string]string{"SKU-A": "1", "SKU-B": "1"})
	env.lots.addLot("SKU-A", shipTime.AddDate(0, -1, 0), "10", "5")
	env.lots.addLot("SKU-B", shipTime.AddDate(0, -1, 0), "1", "8")

	outcome := allocate(t, env, &OrderEvent{OrderId: "ord-1", SkuCode: "PACK-1", Quantity: dec("3"), ShippedAt: shipTime})

	if outcome.Status != models.RunItemStatusPartial {
		t.Fatalf("expected partial, got %s", outcome.Status)
	}
	if len(outcome.MissingSkus) != 1 || outcome.MissingSkus[0] != "SKU-B" {
		t.Fatalf("expected SKU-B short, got %v", outcome.MissingSkus)
	}
	if len(outcome.AllocatedSkus) != 1 || outcome.AllocatedSkus[0] != "SKU-A" {
		t.Fatalf("only the fully covered component belongs in allocated skus, got %v", outcome.AllocatedSkus)
	}
	// SKU-A is fully covered even though the order is partial.
	qtyA, _ := env.ledger.ActiveAllocatedQty(context.Background(), testBusinessId, "ord-1", "SKU-A")
	if !qtyA.Equal(dec("3")) {
		t.Fatalf("expected 3 of SKU-A allocated, got %s", qtyA)
	}
}

func TestAllocateOrderNoStockAtAllFails(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)

	outcome := allocate(t, env, &OrderEvent{OrderId: "ord-1", SkuCode: "SKU-A", Quantity: dec("2"), ShippedAt: shipTime})

	if outcome.Status != models.RunItemStatusFailed || outcome.Reason != FailReasonInsufficientStock {
		t.Fatalf("expected failed insufficient_stock, got %s (%s)", outcome.Status, outcome.Reason)
	}
}

func TestAllocateOrderSkipsVoidLots(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)
	voided := env.lots.addLot("SKU-A", shipTime.AddDate(0, -2, 0), "5", "10")
	if err := env.lots.MarkVoid(context.Background(), testBusinessId, voided.ID, "entry error"); err != nil {
		t.Fatalf("MarkVoid: %v", err)
	}
	live := env.lots.addLot("SKU-A", shipTime.AddDate(0, -1, 0), "5", "12")

	outcome := allocate(t, env, &OrderEvent{OrderId: "ord-1", SkuCode: "SKU-A", Quantity: dec("2"), ShippedAt: shipTime})

	if outcome.Status != models.RunItemStatusSuccessful {
		t.Fatalf("expected successful, got %s", outcome.Status)
	}
	if !live.QtyRemaining.Equal(dec("3")) {
		t.Fatalf("live lot should supply the order, has %s", live.QtyRemaining)
	}
	if !voided.QtyRemaining.Equal(dec("5")) {
		t.Fatalf("void lot must not be touched, has %s", voided.QtyRemaining)
	}
}

func TestAllocateOrderStructuralBundleFails(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("PACK-1", true)

	outcome := allocate(t, env, &OrderEvent{OrderId: "ord-1", SkuCode: "PACK-1", Quantity: dec("1"), ShippedAt: shipTime})

	if outcome.Status != models.RunItemStatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}
	if outcome.Reason == "" {
		t.Fatalf("structural failure should carry a reason")
	}
}

func TestAllocateOrderLogsShortfall(t *testing.T) {
	env := newMemEnv()
	env.catalog.addSku("SKU-A", false)

	logger, hook := logtest.NewNullLogger()
	engine := &AllocationEngine{Logger: logger}
	outcome, err := engine.AllocateOrder(context.Background(), env.stores(), testBusinessId,
		&OrderEvent{OrderId: "ord-1", SkuCode: "SKU-A", Quantity: dec("2"), ShippedAt: shipTime})
	if err != nil {
		t.Fatalf("AllocateOrder: %v", err)
	}
	if outcome.Status != models.RunItemStatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("shortfall should be logged at warn level, got %+v", entry)
	}
	if entry.Data["orderId"] != "ord-1" || entry.Data["missing"] != "SKU-A" {
		t.Fatalf("log entry should name the order and the short sku, got %+v", entry.Data)
	}
}

func TestAllocateOrderStoreErrorPropagates(t *testing.T) {
	env := newMemEnv()
	boom := errors.New("connection reset")
	env.catalog.skuErr["SKU-A"] = boom

	_, err := newEngine().AllocateOrder(context.Background(), env.stores(), testBusinessId,
		&OrderEvent{OrderId: "ord-1", SkuCode: "SKU-A", Quantity: dec("1"), ShippedAt: shipTime})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
}
