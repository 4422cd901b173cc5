package budget

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/salesbudget/internal/jobs"
	"github.com/odyssey-erp/salesbudget/jobs"
)

// EstimateJob processes budget estimate tasks.
type EstimateJob struct {
	service *Service
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewEstimateJob constructs a job handler.
func NewEstimateJob(service *Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *EstimateJob {
	return &EstimateJob{service: service, logger: logger, metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract. Invalid input and an empty
// base period are permanent and are not retried.
func (j *EstimateJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.BudgetEstimatePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return j.metrics.Track(jobs.TaskBudgetEstimate, "").End(errors.Join(err, asynq.SkipRetry))
	}
	tracker := j.metrics.Track(jobs.TaskBudgetEstimate, payload.Division)
	result, err := j.service.SaveEstimate(ctx, EstimateRequest{
		Division: payload.Division,
		Year:     payload.Year,
		Months:   payload.Months,
		ActorID:  payload.ActorID,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrNoBasePeriod) {
			err = errors.Join(err, asynq.SkipRetry)
		}
		if j.logger != nil {
			j.logger.Error("budget estimate job",
				slog.String("division", payload.Division),
				slog.Int("year", payload.Year),
				slog.String("outcome", string(jobmetrics.Classify(err))),
				slog.Any("error", err))
		}
		return tracker.End(err)
	}
	if j.logger != nil {
		j.logger.Info("budget estimate job done",
			slog.String("division", payload.Division),
			slog.Int("year", payload.Year),
			slog.Int("inserted", result.Inserted))
	}
	return tracker.End(nil)
}
