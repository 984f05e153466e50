package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"readyline/internal/domain"
)

// TaskTypeAssessment is the job kind on the producer -> worker boundary.
const TaskTypeAssessment = "run-assessment"

// DefaultQueueName holds assessment jobs unless configured otherwise.
const DefaultQueueName = "assessments"

// AssessmentPayload is the queue job payload.
type AssessmentPayload struct {
	Kind            string `json:"kind"`
	VentureID       string `json:"ventureId"`
	AttemptsAllowed int    `json:"attemptsAllowed"`
}

type ProducerConfig struct {
	Queue            string
	AttemptsAllowed  int
	RemoveOnComplete bool
	DedupeInFlight   bool
}

// Producer turns a validated assessment request into exactly one durable
// job enqueue. It multiplexes over the manager's shared connection; the
// manager owns teardown.
type Producer struct {
	client *asynq.Client
	cfg    ProducerConfig
}

func NewProducer(m *Manager, cfg ProducerConfig) *Producer {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueueName
	}
	if cfg.AttemptsAllowed < 1 {
		cfg.AttemptsAllowed = 2
	}
	return &Producer{client: asynq.NewClientFromRedisClient(m.Client()), cfg: cfg}
}

// Enqueue durably records one assessment job. Once it returns nil the job
// survives a producer crash; if the backend is unreachable it fails with
// ErrQueueUnavailable rather than dropping the request.
func (p *Producer) Enqueue(ctx context.Context, ventureID string) (domain.JobHandle, error) {
	ventureID = strings.TrimSpace(ventureID)
	if ventureID == "" {
		return domain.JobHandle{}, fmt.Errorf("%w: ventureId is required", domain.ErrInvalidRequest)
	}
	payload, err := json.Marshal(AssessmentPayload{
		Kind:            TaskTypeAssessment,
		VentureID:       ventureID,
		AttemptsAllowed: p.cfg.AttemptsAllowed,
	})
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("marshal job payload: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(p.cfg.Queue),
		asynq.MaxRetry(p.cfg.AttemptsAllowed - 1),
	}
	if !p.cfg.RemoveOnComplete {
		opts = append(opts, asynq.Retention(24*time.Hour))
	}
	if p.cfg.DedupeInFlight {
		// Deterministic task ID: a second submit while one is
		// queued/active conflicts instead of spawning another job.
		opts = append(opts, asynq.TaskID(dedupeTaskID(ventureID)))
	}
	info, err := p.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeAssessment, payload), opts...)
	if err != nil {
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict):
			handle := domain.JobHandle{ID: dedupeTaskID(ventureID), VentureID: ventureID, Queue: p.cfg.Queue}
			return handle, fmt.Errorf("%w: venture %s", domain.ErrDuplicateJob, ventureID)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return domain.JobHandle{}, err
		default:
			return domain.JobHandle{}, fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
		}
	}
	return domain.JobHandle{ID: info.ID, VentureID: ventureID, Queue: info.Queue}, nil
}

// EnqueueAll submits one job per venture, stopping at the first failure.
// Already-enqueued jobs stand; there is no cross-job transaction.
func (p *Producer) EnqueueAll(ctx context.Context, ventureIDs []string) ([]domain.JobHandle, error) {
	handles := make([]domain.JobHandle, 0, len(ventureIDs))
	for _, id := range ventureIDs {
		h, err := p.Enqueue(ctx, id)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func dedupeTaskID(ventureID string) string {
	return "assessment:" + ventureID
}
