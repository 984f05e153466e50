package readylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Readyline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// AgentRun is one dimension agent's evaluation within a submission.
type AgentRun struct {
	ID           string   `json:"id"`
	SubmissionID string   `json:"submission_id"`
	Dimension    string   `json:"dimension"`
	Score        *float64 `json:"score,omitempty"`
	Result       string   `json:"result,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

// Submission is one assessment-triggering event for a venture.
type Submission struct {
	ID        string `json:"id"`
	VentureID string `json:"venture_id"`
	JobID     string `json:"job_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// JobStatus is the queue-side state of an assessment job.
type JobStatus struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	Retried      int    `json:"retried"`
	MaxRetry     int    `json:"max_retry"`
	LastError    string `json:"last_error,omitempty"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitAssessment enqueues a full readiness assessment and returns the
// job ID.
func (c *Client) SubmitAssessment(ctx context.Context, ventureID string) (string, error) {
	var resp struct {
		OK    bool   `json:"ok"`
		JobID string `json:"job_id"`
	}
	err := c.do(ctx, http.MethodPost, "v0/assessments", map[string]any{"ventureId": ventureID}, &resp)
	return resp.JobID, err
}

// VentureDimensionRuns returns all runs for the venture and dimension,
// newest first.
func (c *Client) VentureDimensionRuns(ctx context.Context, ventureID, dimension string) ([]AgentRun, error) {
	var resp []AgentRun
	endpoint := fmt.Sprintf("v0/ventures/%s/dimensions/%s/runs", url.PathEscape(ventureID), url.PathEscape(dimension))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VentureSubmissions returns a venture's submissions, newest first.
func (c *Client) VentureSubmissions(ctx context.Context, ventureID string) ([]Submission, error) {
	var resp []Submission
	endpoint := fmt.Sprintf("v0/ventures/%s/submissions", url.PathEscape(ventureID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// JobStatus looks up where an assessment job currently sits in the queue.
func (c *Client) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var resp JobStatus
	endpoint := fmt.Sprintf("v0/assessments/%s", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
