package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"readyline/internal/domain"
)

// ErrJobNotFound is returned when a job ID is unknown to the backend,
// including completed jobs, which are discarded on success.
var ErrJobNotFound = errors.New("job not found")

// Inspector answers job-status lookups against the queue backend.
type Inspector struct {
	ins   *asynq.Inspector
	queue string
}

func NewInspector(m *Manager, queueName string) *Inspector {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	return &Inspector{ins: asynq.NewInspectorFromRedisClient(m.Client()), queue: queueName}
}

// JobStatus reports where a job sits: pending, active, retry, or archived
// once its attempt budget is exhausted.
func (i *Inspector) JobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return domain.JobStatus{}, err
	}
	info, err := i.ins.GetTaskInfo(i.queue, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return domain.JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return domain.JobStatus{}, fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}
	status := domain.JobStatus{
		ID:       info.ID,
		State:    info.State.String(),
		Retried:  info.Retried,
		MaxRetry: info.MaxRetry,
		LastErr:  info.LastErr,
	}
	if !info.LastFailedAt.IsZero() {
		status.LastFailedAt = info.LastFailedAt.UTC().Format(time.RFC3339)
	}
	return status, nil
}
