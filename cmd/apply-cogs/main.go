package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/config"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/models"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/workflow"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

func main() {
	businessId := flag.String("business-id", "", "Business ID to apply COGS for (required)")
	startStr := flag.String("start-date", "", "Range start, YYYY-MM-DD (required)")
	endStr := flag.String("end-date", "", "Range end, YYYY-MM-DD (required)")
	withLock := flag.Bool("with-lock", false, "Acquire the per-business redis lock (needed when the API may run concurrently)")
	flag.Parse()

	if strings.TrimSpace(*businessId) == "" || *startStr == "" || *endStr == "" {
		panic("usage: apply-cogs -business-id <id> -start-date YYYY-MM-DD -end-date YYYY-MM-DD")
	}
	start, err := time.Parse(dateLayout, *startStr)
	if err != nil {
		panic(err)
	}
	end, err := time.Parse(dateLayout, *endStr)
	if err != nil {
		panic(err)
	}
	if end.Before(start) {
		panic("end-date is before start-date")
	}
	end = end.Add(24*time.Hour - time.Nanosecond)

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		panic("database not initialized")
	}
	logger := config.GetLogger()
	if logger == nil {
		logger = logrus.New()
	}
	if *withLock {
		config.ConnectRedisWithRetry()
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), strings.TrimSpace(*businessId))
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	coordinator := workflow.NewRunCoordinator(db, logger)
	coordinator.WithLock = *withLock

	summary, err := coordinator.Apply(ctx, strings.TrimSpace(*businessId), start, end)
	if err != nil {
		panic(err)
	}

	run := summary.Run
	fmt.Printf("run_id=%d total=%d eligible=%d successful=%d partial=%d skipped=%d failed=%d\n",
		run.ID, run.TotalCount, run.EligibleCount, run.SuccessfulCount, run.PartialCount, run.SkippedCount, run.FailedCount)
	for _, item := range summary.Items {
		if item.Status == models.RunItemStatusSuccessful {
			continue
		}
		fmt.Printf("  order_id=%s status=%s reason=%q missing=%q\n",
			item.OrderId, item.Status, item.Reason, item.MissingSkus)
	}
}
