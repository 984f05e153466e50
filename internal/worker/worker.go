package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/hibiken/asynq"

	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/queue"
)

// Agent evaluates one readiness dimension for a venture. The scoring
// logic behind Evaluate is the agents' own business; the worker only
// triggers it and records what comes back.
type Agent interface {
	Dimension() string
	Evaluate(ctx context.Context, ventureID string) (domain.AgentResult, error)
}

// Worker consumes assessment jobs: one submission per job, one recorded
// run per completed dimension.
type Worker struct {
	engine engine.Engine
	agents []Agent
	logger *log.Logger
}

func New(e engine.Engine, agents []Agent, logger *log.Logger) (*Worker, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}
	seen := map[string]bool{}
	for _, a := range agents {
		d := a.Dimension()
		if e.Config != nil && !e.Config.HasDimension(d) {
			return nil, fmt.Errorf("agent dimension %q is not in the configured catalog", d)
		}
		if seen[d] {
			return nil, fmt.Errorf("duplicate agent for dimension %q", d)
		}
		seen[d] = true
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{engine: e, agents: agents, logger: logger}, nil
}

// Register attaches the assessment handler to the mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TaskTypeAssessment, w.Handle)
}

// Handle is the asynq entry point. A malformed payload is never worth a
// redelivery; everything else retries within the job's attempt budget.
func (w *Worker) Handle(ctx context.Context, t *asynq.Task) error {
	var payload queue.AssessmentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode assessment payload: %v: %w", err, asynq.SkipRetry)
	}
	if strings.TrimSpace(payload.VentureID) == "" {
		return fmt.Errorf("assessment payload without ventureId: %w", asynq.SkipRetry)
	}
	jobID, _ := asynq.GetTaskID(ctx)
	return w.Process(ctx, jobID, payload.VentureID)
}

// Process runs every dimension agent for the job's submission. On a
// redelivered job, dimensions that already have a run are skipped, so
// exhausting the attempt budget leaves exactly the completed dimensions
// recorded and nothing for the rest.
func (w *Worker) Process(ctx context.Context, jobID, ventureID string) error {
	sub, err := w.engine.EnsureSubmission(ctx, jobID, ventureID)
	if err != nil {
		return err
	}
	var failed []string
	for _, a := range w.agents {
		dim := a.Dimension()
		done, err := w.engine.Repo.RunExists(ctx, sub.ID, dim)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		if done {
			continue
		}
		result, err := a.Evaluate(ctx, ventureID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Printf("worker: agent %s failed for venture %s: %v", dim, ventureID, err)
			failed = append(failed, dim)
			continue
		}
		if _, err := w.engine.RecordRun(ctx, sub.ID, dim, result); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("agents failed for dimensions: %s", strings.Join(failed, ", "))
	}
	return nil
}
