package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/config"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/models"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/workflow"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func main() {
	businessId := flag.String("business-id", "", "Business ID owning the lot (required)")
	lotId := flag.Int("lot-id", 0, "Receipt lot ID to void (required)")
	reason := flag.String("reason", "", "Void reason recorded on the lot and its reversals (required)")
	dryRun := flag.Bool("dry-run", true, "Print affected allocations without writing")
	acceptPartial := flag.Bool("accept-partial", false, "Allow voiding a consumed lot, reversing its orders' costing")
	flag.Parse()

	if strings.TrimSpace(*businessId) == "" || *lotId <= 0 || strings.TrimSpace(*reason) == "" {
		panic("usage: void-lot -business-id <id> -lot-id <n> -reason <text> [-dry-run=false] [-accept-partial]")
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		panic("database not initialized")
	}
	logger := config.GetLogger()
	if logger == nil {
		logger = logrus.New()
	}

	bid := strings.TrimSpace(*businessId)
	ctx := utils.SetBusinessIdInContext(context.Background(), bid)
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	if *dryRun {
		lot, err := models.NewLotRepository(db).GetLot(ctx, bid, *lotId)
		if err != nil {
			panic(err)
		}
		active, err := models.NewAllocationRepository(db).ActiveForLot(ctx, bid, *lotId)
		if err != nil {
			panic(err)
		}
		fmt.Printf("dry-run: lot_id=%d sku=%s qty_received=%s qty_remaining=%s is_void=%v\n",
			lot.ID, lot.SkuCode, lot.QtyReceived, lot.QtyRemaining, utils.DereferencePtr(lot.IsVoid))
		for _, a := range active {
			fmt.Printf("  would reverse allocation id=%s order_id=%s qty=%s amount=%s\n",
				a.ID, a.OrderId, a.Qty, a.Amount)
		}
		return
	}

	var result *workflow.VoidResult
	runner := workflow.NewGormOrderRunner(db)
	err := runner.RunOrder(ctx, func(s workflow.Stores) error {
		var innerErr error
		result, innerErr = workflow.VoidReceiptLot(ctx, s, logger, bid, *lotId, strings.TrimSpace(*reason), *acceptPartial)
		return innerErr
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("voided lot_id=%d restored_qty=%s reversed_allocations=%d\n",
		result.LotId, result.RestoredQty, result.ReversedAllocations)
}
