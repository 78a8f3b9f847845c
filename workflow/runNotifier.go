package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/sellerdesk_backend/config"
	"bitbucket.org/mmdatafocus/sellerdesk_backend/models"
)

type pubSubRunNotifier struct{}

// NewPubSubRunNotifier publishes run-completion messages to the topic named
// by PUBSUB_TOPIC.
func NewPubSubRunNotifier() RunNotifier {
	return &pubSubRunNotifier{}
}

func (n *pubSubRunNotifier) NotifyRunCompleted(ctx context.Context, run *models.CogsApplyRun) error {
	_, err := config.PublishRunCompleted(ctx, config.RunCompletedMessage{
		BusinessId:    run.BusinessId,
		RunId:         run.ID,
		Method:        string(run.Method),
		StartDate:     run.StartDate,
		EndDate:       run.EndDate,
		Total:         run.TotalCount,
		Eligible:      run.EligibleCount,
		Successful:    run.SuccessfulCount,
		Partial:       run.PartialCount,
		Skipped:       run.SkippedCount,
		Failed:        run.FailedCount,
		CorrelationId: run.CorrelationId,
	})
	return err
}
