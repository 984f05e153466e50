package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"readyline/internal/config"
	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/repo"
)

// Enqueuer is the producer seam. Tests swap in a fake; production wires
// the queue producer over the shared connection manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, ventureID string) (domain.JobHandle, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Queue  Enqueuer
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, q Enqueuer) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Queue:  q,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// SubmitAssessment validates the request and enqueues exactly one durable
// assessment job. Success means the job is recorded in the queue backend;
// a crash of this process afterwards cannot lose it.
func (e Engine) SubmitAssessment(ctx context.Context, actorID, ventureID string) (domain.JobHandle, error) {
	ventureID = strings.TrimSpace(ventureID)
	if ventureID == "" {
		return domain.JobHandle{}, fmt.Errorf("%w: ventureId is required", domain.ErrInvalidRequest)
	}
	if e.Queue == nil {
		return domain.JobHandle{}, fmt.Errorf("%w: no queue configured", domain.ErrQueueUnavailable)
	}
	handle, err := e.Queue.Enqueue(ctx, ventureID)
	if err != nil {
		// A duplicate submit keeps the in-flight handle so callers can
		// point at the job already doing this work.
		if errors.Is(err, domain.ErrDuplicateJob) {
			return handle, err
		}
		return domain.JobHandle{}, err
	}
	// Advisory: the job is already durable, an event write failure must
	// not turn the submit into an error.
	if evErr := e.Events.Append(ctx, nil, "assessment.submitted", "job", handle.ID, actorID, events.EventPayload{
		"venture_id": ventureID,
		"queue":      handle.Queue,
	}); evErr != nil {
		e.logger().Printf("append assessment.submitted event: %v", evErr)
	}
	return handle, nil
}

// VentureDimensionRuns returns every run for the venture and dimension,
// newest first. The venture linkage is indirect: run -> submission ->
// venture. A store failure aborts the whole query; no partial result.
func (e Engine) VentureDimensionRuns(ctx context.Context, ventureID, dimension string) ([]domain.AgentRun, error) {
	if strings.TrimSpace(ventureID) == "" {
		return nil, fmt.Errorf("%w: ventureId is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(dimension) == "" {
		return nil, fmt.Errorf("%w: dimension is required", domain.ErrInvalidRequest)
	}
	runs, err := e.Repo.ListVentureDimensionRuns(ctx, ventureID, dimension)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return runs, nil
}

// VentureSubmissions lists a venture's submissions, newest first.
func (e Engine) VentureSubmissions(ctx context.Context, ventureID string) ([]domain.Submission, error) {
	if strings.TrimSpace(ventureID) == "" {
		return nil, fmt.Errorf("%w: ventureId is required", domain.ErrInvalidRequest)
	}
	subs, err := e.Repo.ListSubmissions(ctx, ventureID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return subs, nil
}

// SubmissionRuns returns a submission and its recorded runs.
func (e Engine) SubmissionRuns(ctx context.Context, submissionID string) (domain.Submission, []domain.AgentRun, error) {
	if strings.TrimSpace(submissionID) == "" {
		return domain.Submission{}, nil, fmt.Errorf("%w: submissionId is required", domain.ErrInvalidRequest)
	}
	sub, err := e.Repo.GetSubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Submission{}, nil, err
		}
		return domain.Submission{}, nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	runs, err := e.Repo.ListSubmissionRuns(ctx, submissionID)
	if err != nil {
		return domain.Submission{}, nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return sub, runs, nil
}

// EnsureSubmission returns the submission for a queue job, creating it on
// first delivery and reusing it when the job is redelivered after a
// worker-reported failure.
func (e Engine) EnsureSubmission(ctx context.Context, jobID, ventureID string) (domain.Submission, error) {
	ventureID = strings.TrimSpace(ventureID)
	if ventureID == "" {
		return domain.Submission{}, fmt.Errorf("%w: ventureId is required", domain.ErrInvalidRequest)
	}
	if jobID != "" {
		sub, err := e.Repo.GetSubmissionByJob(ctx, jobID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Submission{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
	}
	sub := domain.Submission{
		ID:        uuid.NewString(),
		VentureID: ventureID,
		JobID:     jobID,
		CreatedAt: e.now().UTC().Format(time.RFC3339Nano),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSubmission(ctx, tx, sub); err != nil {
		// Lost the race with another delivery of the same job; the
		// unique job_id column keeps one submission per job.
		if jobID != "" {
			if existing, getErr := e.Repo.GetSubmissionByJob(ctx, jobID); getErr == nil {
				return existing, nil
			}
		}
		return domain.Submission{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if err := e.Events.Append(ctx, tx, "submission.created", "submission", sub.ID, "worker", events.EventPayload{
		"venture_id": ventureID,
		"job_id":     jobID,
	}); err != nil {
		return domain.Submission{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return sub, nil
}

// RecordRun appends one immutable AgentRun for a completed dimension
// evaluation. Runs are never updated or deleted.
func (e Engine) RecordRun(ctx context.Context, submissionID, dimension string, result domain.AgentResult) (domain.AgentRun, error) {
	if strings.TrimSpace(submissionID) == "" {
		return domain.AgentRun{}, fmt.Errorf("%w: submissionId is required", domain.ErrInvalidRequest)
	}
	if e.Config != nil && !e.Config.HasDimension(dimension) {
		return domain.AgentRun{}, fmt.Errorf("%w: unknown dimension %q", domain.ErrInvalidRequest, dimension)
	}
	var resultJSON string
	if result.Detail != nil {
		data, err := json.Marshal(result.Detail)
		if err != nil {
			return domain.AgentRun{}, fmt.Errorf("marshal run result: %w", err)
		}
		resultJSON = string(data)
	}
	run := domain.AgentRun{
		ID:           uuid.NewString(),
		SubmissionID: submissionID,
		Dimension:    dimension,
		Score:        result.Score,
		ResultJSON:   resultJSON,
		CreatedAt:    e.now().UTC().Format(time.RFC3339Nano),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentRun{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgentRun(ctx, tx, run); err != nil {
		return domain.AgentRun{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if err := e.Events.Append(ctx, tx, "run.recorded", "agent_run", run.ID, "worker", events.EventPayload{
		"submission_id": submissionID,
		"dimension":     dimension,
	}); err != nil {
		return domain.AgentRun{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentRun{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return run, nil
}
