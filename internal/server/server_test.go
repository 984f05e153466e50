package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/migrate"
	"readyline/internal/repo"
)

const (
	testSecret = "test-secret"
	testAPIKey = "rk_testkey"
)

type fakeQueue struct {
	calls   int
	failure error
	handle  domain.JobHandle
}

func (f *fakeQueue) Enqueue(ctx context.Context, ventureID string) (domain.JobHandle, error) {
	f.calls++
	if f.failure != nil {
		return f.handle, f.failure
	}
	return domain.JobHandle{ID: fmt.Sprintf("job-%d", f.calls), VentureID: ventureID, Queue: "assessments"}, nil
}

type testEnv struct {
	srv    *httptest.Server
	engine engine.Engine
	queue  *fakeQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := &fakeQueue{}
	e := engine.New(conn, config.Default(), q)
	e.Now = func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }

	key := domain.APIKey{ID: "k1", ActorID: "actor-1", Name: "tests", KeyHash: repo.HashAPIKey(testAPIKey)}
	if err := e.Repo.InsertAPIKey(context.Background(), nil, key); err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, engine: e, queue: q}
}

type apiResp struct {
	status int
	body   map[string]any
	raw    []byte
}

func (env *testEnv) doJSON(t *testing.T, method, path string, body any, authed bool) apiResp {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, env.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-Api-Key", testAPIKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	out := apiResp{status: resp.StatusCode, raw: raw.Bytes()}
	_ = json.Unmarshal(out.raw, &out.body)
	return out
}

func errorCode(t *testing.T, r apiResp) string {
	t.Helper()
	envelope, ok := r.body["error"].(map[string]any)
	if !ok {
		t.Fatalf("missing error envelope in %s", r.raw)
	}
	code, _ := envelope["code"].(string)
	return code
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)
	r := env.doJSON(t, http.MethodGet, "/v0/health", nil, false)
	if r.status != http.StatusOK {
		t.Fatalf("health = %d: %s", r.status, r.raw)
	}
}

func TestSubmitRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	r := env.doJSON(t, http.MethodPost, "/v0/assessments", map[string]any{"ventureId": "v1"}, false)
	if r.status != http.StatusUnauthorized {
		t.Fatalf("status = %d: %s", r.status, r.raw)
	}
	if code := errorCode(t, r); code != "unauthorized" {
		t.Fatalf("code = %q", code)
	}
	if env.queue.calls != 0 {
		t.Fatalf("unauthenticated request must not enqueue")
	}
}

func TestSubmitRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/v0/assessments", bytes.NewBufferString(`{"ventureId":"v1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", "rk_wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSubmitMissingVentureID(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []map[string]any{{}, {"ventureId": ""}, {"ventureId": "   "}} {
		r := env.doJSON(t, http.MethodPost, "/v0/assessments", body, true)
		if r.status != http.StatusBadRequest {
			t.Fatalf("body %v: status = %d: %s", body, r.status, r.raw)
		}
		if code := errorCode(t, r); code != "bad_request" {
			t.Fatalf("body %v: code = %q", body, code)
		}
	}
	if env.queue.calls != 0 {
		t.Fatalf("invalid requests must not enqueue")
	}
}

func TestSubmitAccepted(t *testing.T) {
	env := newTestEnv(t)
	r := env.doJSON(t, http.MethodPost, "/v0/assessments", map[string]any{"ventureId": "venture-1"}, true)
	if r.status != http.StatusAccepted {
		t.Fatalf("status = %d: %s", r.status, r.raw)
	}
	if ok, _ := r.body["ok"].(bool); !ok {
		t.Fatalf("expected ok=true: %s", r.raw)
	}
	jobID, _ := r.body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("expected job_id: %s", r.raw)
	}
	if env.queue.calls != 1 {
		t.Fatalf("expected one enqueue, got %d", env.queue.calls)
	}
}

func TestSubmitQueueUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.queue.failure = fmt.Errorf("%w: dial tcp refused", domain.ErrQueueUnavailable)
	r := env.doJSON(t, http.MethodPost, "/v0/assessments", map[string]any{"ventureId": "venture-1"}, true)
	if r.status != http.StatusInternalServerError {
		t.Fatalf("status = %d: %s", r.status, r.raw)
	}
	if code := errorCode(t, r); code != "queue_unavailable" {
		t.Fatalf("code = %q", code)
	}
}

func TestSubmitDuplicateJob(t *testing.T) {
	env := newTestEnv(t)
	env.queue.failure = fmt.Errorf("%w: venture-1", domain.ErrDuplicateJob)
	env.queue.handle = domain.JobHandle{ID: "assessment:venture-1", VentureID: "venture-1", Queue: "assessments"}
	r := env.doJSON(t, http.MethodPost, "/v0/assessments", map[string]any{"ventureId": "venture-1"}, true)
	if r.status != http.StatusConflict {
		t.Fatalf("status = %d: %s", r.status, r.raw)
	}
	if code := errorCode(t, r); code != "duplicate_job" {
		t.Fatalf("code = %q", code)
	}
	envelope, _ := r.body["error"].(map[string]any)
	details, _ := envelope["details"].(map[string]any)
	if details["job_id"] != "assessment:venture-1" {
		t.Fatalf("conflict body must name the in-flight job: %s", r.raw)
	}
}

func TestOpenAPISpecConcurrentFetch(t *testing.T) {
	env := newTestEnv(t)
	const fetchers = 8
	bodies := make([][]byte, fetchers)
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(env.srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("fetch %d: %v", i, err)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("fetch %d: status %d", i, resp.StatusCode)
				return
			}
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(resp.Body); err != nil {
				t.Errorf("fetch %d: %v", i, err)
				return
			}
			bodies[i] = buf.Bytes()
		}(i)
	}
	wg.Wait()
	for i := 1; i < fetchers; i++ {
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("fetch %d returned a different document", i)
		}
	}
	if !bytes.Contains(bodies[0], []byte("Readyline API")) {
		t.Fatalf("document missing title: %.200s", bodies[0])
	}
}

func TestSubmitWithJWT(t *testing.T) {
	env := newTestEnv(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jwt-actor",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/v0/assessments", bytes.NewBufferString(`{"ventureId":"venture-1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func seedRuns(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	r := env.engine.Repo
	for _, s := range []domain.Submission{
		{ID: "s1", VentureID: "v1", JobID: "job-1", CreatedAt: "2026-01-01T00:00:00Z"},
		{ID: "s2", VentureID: "v2", JobID: "job-2", CreatedAt: "2026-01-02T00:00:00Z"},
	} {
		if err := r.InsertSubmission(ctx, nil, s); err != nil {
			t.Fatal(err)
		}
	}
	score := 50.0
	for _, run := range []domain.AgentRun{
		{ID: "run-t1", SubmissionID: "s1", Dimension: "Technology", Score: &score, CreatedAt: "2026-01-01T10:00:00Z"},
		{ID: "run-t2", SubmissionID: "s1", Dimension: "Technology", Score: &score, CreatedAt: "2026-01-01T12:00:00Z"},
		{ID: "run-t3", SubmissionID: "s2", Dimension: "Technology", Score: &score, CreatedAt: "2026-01-03T00:00:00Z"},
		{ID: "run-m1", SubmissionID: "s1", Dimension: "Market", Score: &score, CreatedAt: "2026-01-01T11:00:00Z"},
	} {
		if err := r.InsertAgentRun(ctx, nil, run); err != nil {
			t.Fatal(err)
		}
	}
}

func TestVentureDimensionRunsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedRuns(t, env)

	r := env.doJSON(t, http.MethodGet, "/v0/ventures/v1/dimensions/Technology/runs", nil, true)
	if r.status != http.StatusOK {
		t.Fatalf("status = %d: %s", r.status, r.raw)
	}
	var runs []domain.AgentRun
	if err := json.Unmarshal(r.raw, &runs); err != nil {
		t.Fatalf("decode: %v: %s", err, r.raw)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d: %s", len(runs), r.raw)
	}
	if runs[0].ID != "run-t2" || runs[1].ID != "run-t1" {
		t.Fatalf("expected newest first [run-t2 run-t1], got [%s %s]", runs[0].ID, runs[1].ID)
	}
}

func TestVentureDimensionRunsEmptyList(t *testing.T) {
	env := newTestEnv(t)
	r := env.doJSON(t, http.MethodGet, "/v0/ventures/v1/dimensions/Technology/runs", nil, true)
	if r.status != http.StatusOK {
		t.Fatalf("status = %d: %s", r.status, r.raw)
	}
	var runs []domain.AgentRun
	if err := json.Unmarshal(r.raw, &runs); err != nil {
		t.Fatalf("decode: %v: %s", err, r.raw)
	}
	if runs == nil || len(runs) != 0 {
		t.Fatalf("expected an empty JSON array, got %s", r.raw)
	}
}

func TestVentureSubmissionsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedRuns(t, env)
	r := env.doJSON(t, http.MethodGet, "/v0/ventures/v1/submissions", nil, true)
	if r.status != http.StatusOK {
		t.Fatalf("status = %d: %s", r.status, r.raw)
	}
	var subs []domain.Submission
	if err := json.Unmarshal(r.raw, &subs); err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].ID != "s1" {
		t.Fatalf("unexpected submissions: %s", r.raw)
	}
}

func TestSubmissionRunsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedRuns(t, env)
	r := env.doJSON(t, http.MethodGet, "/v0/submissions/s1", nil, true)
	if r.status != http.StatusOK {
		t.Fatalf("status = %d: %s", r.status, r.raw)
	}
	sub, _ := r.body["submission"].(map[string]any)
	if sub["id"] != "s1" {
		t.Fatalf("unexpected submission: %s", r.raw)
	}
	runs, _ := r.body["runs"].([]any)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs on s1, got %d", len(runs))
	}
}

func TestSubmissionNotFound(t *testing.T) {
	env := newTestEnv(t)
	r := env.doJSON(t, http.MethodGet, "/v0/submissions/missing", nil, true)
	if r.status != http.StatusNotFound {
		t.Fatalf("status = %d: %s", r.status, r.raw)
	}
}

func TestJobStatusWithoutInspector(t *testing.T) {
	env := newTestEnv(t)
	r := env.doJSON(t, http.MethodGet, "/v0/assessments/job-1", nil, true)
	if r.status != http.StatusNotFound {
		t.Fatalf("status = %d: %s", r.status, r.raw)
	}
}
