package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentFleet/internal/archive"
	"AgentFleet/internal/clock"
	"AgentFleet/internal/dispute"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/event"
	"AgentFleet/internal/fleet"
	"AgentFleet/internal/notify"
	"AgentFleet/internal/observability/metrics"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/scheduler"
)

type testServer struct {
	fleet   *fleet.Coordinator
	store   *archive.MemoryStore
	handler http.Handler
}

func newTestServer(t *testing.T, withRouter bool) *testServer {
	t.Helper()
	coord, err := fleet.New(fleet.Settings{DisputeGrace: time.Hour},
		fleet.WithClock(clock.NewManual(time.Unix(1700000000, 0))),
		fleet.WithNotifier(&notify.Recorder{}),
	)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	store := archive.NewMemoryStore()
	opts := []Option{WithArchive(store), WithMetrics(metrics.New("apitest"))}
	if withRouter {
		ctx, cancel := context.WithCancel(context.Background())
		router := event.NewRouter(coord, event.WithShards(2), event.WithDeduper(event.NewDeduper(time.Minute)))
		router.Start(ctx)
		t.Cleanup(func() {
			router.Stop()
			cancel()
		})
		opts = append(opts, WithRouter(router))
	}
	server := NewServer(":0", coord, opts...)
	return &testServer{fleet: coord, store: store, handler: server.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func heartbeatEnvelope(t *testing.T, agentID string) event.Envelope {
	t.Helper()
	env, err := event.NewEnvelope(event.Heartbeat{Origin: event.Origin{AgentID: agentID}, Capabilities: []string{"relay"}})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestPostEventRegistersAgent(t *testing.T) {
	ts := newTestServer(t, true)
	env := heartbeatEnvelope(t, "agent-1")

	rec := ts.do(t, http.MethodPost, "/api/v1/events", env)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/events", env)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("duplicate envelope should be accepted without effect, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/agents/agent-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("agent should be registered, got %d", rec.Code)
	}
}

func TestReinstateSuspendedAgent(t *testing.T) {
	ts := newTestServer(t, true)
	if rec := ts.do(t, http.MethodPost, "/api/v1/events", heartbeatEnvelope(t, "agent-1")); rec.Code != http.StatusOK {
		t.Fatalf("heartbeat failed: %d", rec.Code)
	}
	if _, err := ts.fleet.Registry().Suspend("agent-1", "manual"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/agents/agent-1/reinstate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var agent registry.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if agent.Status != registry.StatusOnline {
		t.Fatalf("agent should be online, got %s", agent.Status)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/agents/agent-1/reinstate", nil)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Error != string(registry.CodeAgentState) {
		t.Fatalf("second reinstate should conflict, got %d body=%s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/agents/ghost/reinstate", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent should be 404, got %d", rec.Code)
	}
}

func TestPostEventRejectsMalformedEnvelope(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodPost, "/api/v1/events", `{"id":"e-1","type":"teleport","payload":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != string(event.CodeMalformedEnvelope) {
		t.Fatalf("unexpected error code: %+v", body)
	}
}

func TestSubmitAndFetchJob(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodPost, "/api/v1/jobs", scheduler.Spec{ID: "job-1", Requirements: []string{"relay"}, Payload: "p", Escrow: 3})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/jobs/job-1" {
		t.Fatalf("unexpected location: %q", loc)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/jobs/job-1", nil)
	var job scheduler.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if rec.Code != http.StatusOK || job.Status != scheduler.StatusPending || job.Escrow != 3 {
		t.Fatalf("unexpected job response: %d %+v", rec.Code, job)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/jobs?status=pending&limit=5", nil)
	var list struct {
		Items []scheduler.Job `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Items) != 1 {
		t.Fatalf("unexpected list: %s (%v)", rec.Body.String(), err)
	}
}

func TestJobErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/v1/jobs", scheduler.Spec{Requirements: []string{"teleport"}, Payload: "p"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid requirements should be 400, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/jobs", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body should be 400, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status filter should be 400, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/jobs/missing", nil)
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Error != string(scheduler.CodeJobNotFound) {
		t.Fatalf("missing job should be 404 JOB_NOT_FOUND, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetJobFallsBackToArchive(t *testing.T) {
	ts := newTestServer(t, false)
	if err := ts.store.ArchiveJob(context.Background(), &scheduler.Job{ID: "old-job", Status: scheduler.StatusResolved}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	rec := ts.do(t, http.MethodGet, "/api/v1/jobs/old-job", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"resolved"`) {
		t.Fatalf("archived job should be served, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDisputeLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, true)
	ctx := context.Background()
	if _, err := ts.fleet.Dispatch(ctx, event.Heartbeat{Origin: event.Origin{AgentID: "agent-1"}, Capabilities: []string{"relay"}}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := ts.fleet.Dispatch(ctx, event.Submit{Spec: scheduler.Spec{ID: "job-1", Requirements: []string{"relay"}, Payload: "p", Escrow: 9}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ts.fleet.AssignOnce(ctx)
	if _, err := ts.fleet.Dispatch(ctx, event.Completion{Origin: event.Origin{AgentID: "agent-1"}, JobID: "job-1", Result: scheduler.Result{Accepted: true}}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/disputes", dispute.Request{JobID: "job-1", RaisedBy: "requester", Claim: "short delivery"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open dispute: %d %s", rec.Code, rec.Body.String())
	}
	var opened dispute.Dispute
	if err := json.Unmarshal(rec.Body.Bytes(), &opened); err != nil {
		t.Fatalf("decode dispute: %v", err)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/disputes/"+opened.ID+"/review", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("review: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/disputes/"+opened.ID+"/resolve", dispute.Decision{Outcome: dispute.OutcomeAgent})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/disputes/"+opened.ID+"/resolve", dispute.Decision{Outcome: dispute.OutcomeRequester})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second resolve should conflict, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/disputes/"+opened.ID, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), string(dispute.StatusResolvedForAgent)) {
		t.Fatalf("unexpected dispute: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/disputes", dispute.Request{JobID: "job-1", RaisedBy: "requester", Claim: "again"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("job already resolved should not accept a new dispute, got %d", rec.Code)
	}
}

func TestSnapshotAndMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t, false)
	if rec := ts.do(t, http.MethodGet, "/api/v1/snapshot", nil); rec.Code != http.StatusOK {
		t.Fatalf("snapshot: %d", rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "apitest_http_requests_total") {
		t.Fatalf("metrics should include request counter: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v0/unknown", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path should be 404, got %d", rec.Code)
	}
}

func TestStatusForClasses(t *testing.T) {
	cases := map[xerrors.Code]int{
		xerrors.CodeValidation:          http.StatusBadRequest,
		xerrors.CodeNotFound:            http.StatusNotFound,
		xerrors.CodeStateConflict:       http.StatusConflict,
		xerrors.CodeConflict:            http.StatusConflict,
		xerrors.CodeCapabilityMismatch:  http.StatusUnprocessableEntity,
		xerrors.CodeTimeout:             http.StatusGatewayTimeout,
		xerrors.CodeCollaboratorFailure: http.StatusServiceUnavailable,
		xerrors.CodeUnknown:             http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusFor(xerrors.New(code, "")); got != want {
			t.Fatalf("code %s: got %d want %d", code, got, want)
		}
	}
}
