package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBudgetEstimate calculates and saves a proportional estimate.
	TaskBudgetEstimate = "budget:estimate"
)

// BudgetEstimatePayload describes an estimate run.
type BudgetEstimatePayload struct {
	Division string `json:"division"`
	Year     int    `json:"year"`
	Months   []int  `json:"months"`
	ActorID  string `json:"actor_id"`
}

// NewBudgetEstimateTask constructs an Asynq task.
func NewBudgetEstimateTask(payload BudgetEstimatePayload) (*asynq.Task, error) {
	if payload.Division == "" || payload.Year == 0 || len(payload.Months) == 0 {
		return nil, errors.New("jobs: division, year and months required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBudgetEstimate, data), nil
}
