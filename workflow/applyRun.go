package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/config"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/models"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const moduleName = "workflow"

const runLockTTL = 10 * time.Minute

// RunSummary is the committed result of one apply run.
type RunSummary struct {
	Run   *models.CogsApplyRun
	Items []*models.CogsRunItem
}

// RunCoordinator drives one batch costing pass: load shipped-unit events in a
// date range, allocate each order in its own transaction, record the run.
// One coordinator run per business at a time, enforced with a redis lock.
type RunCoordinator struct {
	Events   EventSource
	Runs     RunStore
	Runner   OrderRunner
	Engine   *AllocationEngine
	Logger   *logrus.Logger
	Notifier RunNotifier
	// WithLock disables the cross-instance redis lock when false; unit tests
	// and single-shot CLI invocations against a scratch DB run without redis.
	WithLock bool
}

func NewRunCoordinator(db *gorm.DB, logger *logrus.Logger) *RunCoordinator {
	return &RunCoordinator{
		Events:   models.NewShippedUnitRepository(db),
		Runs:     models.NewRunRepository(db),
		Runner:   NewGormOrderRunner(db),
		Engine:   &AllocationEngine{Logger: logger},
		Logger:   logger,
		WithLock: true,
	}
}

// Apply costs every shipped-unit event in [start, end] for one business.
// Orders are isolated: an error in one order marks that order failed and the
// run continues. The run record commits even when every order failed.
func (c *RunCoordinator) Apply(ctx context.Context, businessId string, start time.Time, end time.Time) (*RunSummary, error) {
	if c.WithLock {
		lock, err := utils.ObtainBusinessLock(ctx, businessId, "cogsApplyRun", runLockTTL, moduleName, "Apply")
		if err != nil {
			return nil, err
		}
		defer func() { _ = lock.Release(context.Background()) }()
	}

	events, err := c.Events.LoadShippedUnits(ctx, businessId, start, end)
	if err != nil {
		config.LogError(c.Logger, moduleName, "Apply", "Failed to load shipped units", businessId, err)
		return nil, err
	}

	// Group events by order, preserving first-seen order for deterministic
	// lot consumption across replays.
	orderIds := make([]string, 0, len(events))
	byOrder := make(map[string][]*models.ShippedUnitEvent, len(events))
	for _, ev := range events {
		if _, ok := byOrder[ev.OrderId]; !ok {
			orderIds = append(orderIds, ev.OrderId)
		}
		byOrder[ev.OrderId] = append(byOrder[ev.OrderId], ev)
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	run := &models.CogsApplyRun{
		BusinessId:    businessId,
		StartDate:     start,
		EndDate:       end,
		Method:        models.AllocationMethodFifo,
		TotalCount:    len(orderIds),
		CorrelationId: correlationId,
	}

	items := make([]*models.CogsRunItem, 0, len(orderIds))
	for _, orderId := range orderIds {
		item := c.applyOrder(ctx, businessId, orderId, byOrder[orderId])
		items = append(items, item)

		switch item.Status {
		case models.RunItemStatusSuccessful:
			run.EligibleCount++
			run.SuccessfulCount++
		case models.RunItemStatusPartial:
			run.EligibleCount++
			run.PartialCount++
		case models.RunItemStatusFailed:
			run.EligibleCount++
			run.FailedCount++
		case models.RunItemStatusSkipped:
			run.SkippedCount++
			// An already-costed order was still eligible work; only
			// pre-filter skips (cancelled, unmapped, bad qty) are not.
			if strings.Contains(item.Reason, SkipReasonAlreadyAllocated) {
				run.EligibleCount++
			}
		}
	}

	if err := c.Runs.CreateRun(ctx, run, items); err != nil {
		config.LogError(c.Logger, moduleName, "Apply", "Failed to persist run record", businessId, err)
		return nil, err
	}

	if c.Notifier != nil {
		if err := c.Notifier.NotifyRunCompleted(ctx, run); err != nil {
			// Best effort: the run is committed, notification loss is acceptable.
			config.LogError(c.Logger, moduleName, "Apply", "Failed to publish run-completed notification", run.ID, err)
		}
	}

	return &RunSummary{Run: run, Items: items}, nil
}

// applyOrder allocates all of one order's events inside a single transaction
// and folds the per-event outcomes into one run item.
func (c *RunCoordinator) applyOrder(ctx context.Context, businessId string, orderId string, events []*models.ShippedUnitEvent) *models.CogsRunItem {
	var outcomes []*OrderOutcome

	err := func() (err error) {
		// gorm re-panics after rolling the transaction back; contain it so
		// one broken order cannot abort the batch.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic while allocating order %s: %v", orderId, r)
			}
		}()
		return c.Runner.RunOrder(ctx, func(s Stores) error {
			outcomes = outcomes[:0]
			for _, ev := range events {
				outcome, err := c.Engine.AllocateOrder(ctx, s, businessId, &OrderEvent{
					OrderId:   ev.OrderId,
					SkuCode:   ev.SkuCode,
					Quantity:  ev.Quantity,
					ShippedAt: ev.ShippedAt,
					Cancelled: utils.DereferencePtr(ev.Cancelled),
				})
				if err != nil {
					return err
				}
				outcomes = append(outcomes, outcome)
			}
			return nil
		})
	}()
	if err != nil {
		var violation *InvariantViolation
		if errors.As(err, &violation) {
			config.LogError(c.Logger, moduleName, "applyOrder", "Invariant violation; order rolled back", orderId, err)
		} else {
			config.LogError(c.Logger, moduleName, "applyOrder", "Order allocation failed", orderId, err)
		}
		return &models.CogsRunItem{
			BusinessId: businessId,
			OrderId:    orderId,
			Status:     models.RunItemStatusFailed,
			Reason:     err.Error(),
		}
	}

	return mergeOutcomes(businessId, orderId, outcomes)
}

// mergeOutcomes folds one order's per-event outcomes into a single item. Any
// partial fill makes the order partial, as does a mix of filled and unfilled
// events; the order is skipped only when every event was skipped.
func mergeOutcomes(businessId string, orderId string, outcomes []*OrderOutcome) *models.CogsRunItem {
	item := &models.CogsRunItem{BusinessId: businessId, OrderId: orderId}

	var missing, allocated, reasons []string
	anySuccess, anyPartial, anyFailed, anySkipped := false, false, false, false
	for _, o := range outcomes {
		missing = utils.MergeStringSet(missing, o.MissingSkus)
		allocated = utils.MergeStringSet(allocated, o.AllocatedSkus)
		if o.Reason != "" {
			reasons = utils.MergeStringSet(reasons, []string{o.Reason})
		}
		switch o.Status {
		case models.RunItemStatusSuccessful:
			anySuccess = true
		case models.RunItemStatusPartial:
			anyPartial = true
		case models.RunItemStatusFailed:
			anyFailed = true
		case models.RunItemStatusSkipped:
			anySkipped = true
		}
	}

	switch {
	case anyPartial, anySuccess && anyFailed:
		item.Status = models.RunItemStatusPartial
	case anySuccess:
		item.Status = models.RunItemStatusSuccessful
	case anyFailed:
		item.Status = models.RunItemStatusFailed
	case anySkipped:
		item.Status = models.RunItemStatusSkipped
	default:
		item.Status = models.RunItemStatusSkipped
	}

	item.MissingSkus = strings.Join(missing, ",")
	item.AllocatedSkus = strings.Join(allocated, ",")
	item.Reason = strings.Join(reasons, "; ")
	return item
}
