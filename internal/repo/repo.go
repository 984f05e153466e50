package repo

import (
	"context"
	"database/sql"
	"errors"

	"readyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	query := `INSERT INTO submissions(id,venture_id,job_id,created_at) VALUES (?,?,?,?)`
	args := []any{s.ID, s.VentureID, nullable(s.JobID), s.CreatedAt}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return scanSubmission(r.DB.QueryRowContext(ctx,
		`SELECT id,venture_id,COALESCE(job_id,''),created_at FROM submissions WHERE id=?`, id))
}

// GetSubmissionByJob returns the submission created for a queue job, if any.
// A retried job reuses the submission from its first attempt.
func (r Repo) GetSubmissionByJob(ctx context.Context, jobID string) (domain.Submission, error) {
	return scanSubmission(r.DB.QueryRowContext(ctx,
		`SELECT id,venture_id,COALESCE(job_id,''),created_at FROM submissions WHERE job_id=?`, jobID))
}

func scanSubmission(row *sql.Row) (domain.Submission, error) {
	var s domain.Submission
	err := row.Scan(&s.ID, &s.VentureID, &s.JobID, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSubmissions(ctx context.Context, ventureID string) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,venture_id,COALESCE(job_id,''),created_at FROM submissions WHERE venture_id=? ORDER BY created_at DESC, id DESC`, ventureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		var s domain.Submission
		if err := rows.Scan(&s.ID, &s.VentureID, &s.JobID, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertAgentRun(ctx context.Context, tx *sql.Tx, run domain.AgentRun) error {
	query := `INSERT INTO agent_runs(id,submission_id,dimension,score,result_json,created_at) VALUES (?,?,?,?,?,?)`
	args := []any{run.ID, run.SubmissionID, run.Dimension, nullableFloat(run.Score), nullable(run.ResultJSON), run.CreatedAt}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, query, args...)
	}
	return err
}

// RunExists reports whether a run was already recorded for the submission
// and dimension. Used by the worker to skip completed dimensions on retry.
func (r Repo) RunExists(ctx context.Context, submissionID, dimension string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM agent_runs WHERE submission_id=? AND dimension=?`, submissionID, dimension).Scan(&n)
	return n > 0, err
}

// ListVentureDimensionRuns returns every run whose dimension matches and
// whose submission belongs to the venture, newest first. The linkage
// traversal (run -> submission -> venture) is a single SQL join; the
// (dimension, created_at DESC) index supplies the ordering.
func (r Repo) ListVentureDimensionRuns(ctx context.Context, ventureID, dimension string) ([]domain.AgentRun, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT ar.id, ar.submission_id, ar.dimension, ar.score, COALESCE(ar.result_json,''), ar.created_at
FROM agent_runs ar
JOIN submissions s ON s.id = ar.submission_id
WHERE ar.dimension = ? AND s.venture_id = ?
ORDER BY ar.created_at DESC, ar.id DESC`, dimension, ventureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRun
	for rows.Next() {
		var run domain.AgentRun
		var score sql.NullFloat64
		if err := rows.Scan(&run.ID, &run.SubmissionID, &run.Dimension, &score, &run.ResultJSON, &run.CreatedAt); err != nil {
			return nil, err
		}
		if score.Valid {
			v := score.Float64
			run.Score = &v
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) ListSubmissionRuns(ctx context.Context, submissionID string) ([]domain.AgentRun, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT id, submission_id, dimension, score, COALESCE(result_json,''), created_at
FROM agent_runs WHERE submission_id=? ORDER BY created_at DESC, id DESC`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRun
	for rows.Next() {
		var run domain.AgentRun
		var score sql.NullFloat64
		if err := rows.Scan(&run.ID, &run.SubmissionID, &run.Dimension, &score, &run.ResultJSON, &run.CreatedAt); err != nil {
			return nil, err
		}
		if score.Valid {
			v := score.Float64
			run.Score = &v
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
