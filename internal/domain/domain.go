package domain

import "errors"

// Error taxonomy shared by the producer, query service, and HTTP boundary.
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrDuplicateJob     = errors.New("assessment already in flight")
)

// DefaultDimensions is the readiness dimension catalog. Every AgentRun's
// dimension is drawn from this set (or the catalog configured in
// readyline.yml, which defaults to it).
var DefaultDimensions = []string{
	"Technology",
	"Market",
	"Team",
	"Product",
	"Finance",
	"Legal",
	"Traction",
	"Operations",
}

// Submission is one assessment-triggering event for a venture. It is the
// only path from an AgentRun back to the venture that owns it.
type Submission struct {
	ID        string `json:"id"`
	VentureID string `json:"venture_id"`
	JobID     string `json:"job_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AgentRun is the immutable record of one dimension agent's evaluation
// within one submission. Rows are append-only; the worker is the only
// writer.
type AgentRun struct {
	ID           string   `json:"id"`
	SubmissionID string   `json:"submission_id"`
	Dimension    string   `json:"dimension"`
	Score        *float64 `json:"score,omitempty"`
	ResultJSON   string   `json:"result,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// AgentResult is the opaque payload a dimension agent produces.
type AgentResult struct {
	Score  *float64
	Detail map[string]any
}

// JobHandle identifies a durably enqueued assessment job.
type JobHandle struct {
	ID        string `json:"id"`
	VentureID string `json:"venture_id"`
	Queue     string `json:"queue"`
}

// JobStatus describes where a job currently sits in the queue backend.
type JobStatus struct {
	ID           string `json:"id"`
	State        string `json:"state" enum:"pending,active,scheduled,retry,archived,completed"`
	Retried      int    `json:"retried"`
	MaxRetry     int    `json:"max_retry"`
	LastErr      string `json:"last_error,omitempty"`
	LastFailedAt string `json:"last_failed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
