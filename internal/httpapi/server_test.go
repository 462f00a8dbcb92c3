package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	loom "github.com/nevindra/loom"
)

// stubService scripts the facade for handler tests. Unset fields panic,
// which the Recoverer middleware turns into a 500 the assertions catch.
type stubService struct {
	createDAG    func(ctx context.Context, req loom.CreateDAGRequest) (loom.CreateDAGResponse, error)
	executeDAG   func(ctx context.Context, dagID string) (loom.ExecuteDAGResponse, error)
	resumeDAG    func(ctx context.Context, executionID string) (loom.ResumeDAGResponse, error)
	createAndRun func(ctx context.Context, req loom.CreateDAGRequest) (loom.CreateAndExecuteDAGResponse, error)
	updateSched  func(ctx context.Context, dagID, cron, tz string, active bool) error
	status       func(ctx context.Context, executionID string) (loom.ExecutionStatusResponse, error)
	cancel       func(executionID string) bool
}

func (s *stubService) CreateDAG(ctx context.Context, req loom.CreateDAGRequest) (loom.CreateDAGResponse, error) {
	return s.createDAG(ctx, req)
}

func (s *stubService) ExecuteDAG(ctx context.Context, dagID string) (loom.ExecuteDAGResponse, error) {
	return s.executeDAG(ctx, dagID)
}

func (s *stubService) ResumeDAG(ctx context.Context, executionID string) (loom.ResumeDAGResponse, error) {
	return s.resumeDAG(ctx, executionID)
}

func (s *stubService) CreateAndExecuteDAG(ctx context.Context, req loom.CreateDAGRequest) (loom.CreateAndExecuteDAGResponse, error) {
	return s.createAndRun(ctx, req)
}

func (s *stubService) UpdateSchedule(ctx context.Context, dagID, cron, tz string, active bool) error {
	return s.updateSched(ctx, dagID, cron, tz, active)
}

func (s *stubService) ExecutionStatus(ctx context.Context, executionID string) (loom.ExecutionStatusResponse, error) {
	return s.status(ctx, executionID)
}

func (s *stubService) CancelExecution(executionID string) bool {
	return s.cancel(executionID)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	srv := New(&stubService{}, loom.NewBus())
	w := do(t, srv.Router(), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	decodeInto(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestCreateDAG(t *testing.T) {
	stub := &stubService{
		createDAG: func(_ context.Context, req loom.CreateDAGRequest) (loom.CreateDAGResponse, error) {
			if req.Goal != "summarize the news" {
				t.Errorf("Goal = %q, want the request body's goal", req.Goal)
			}
			if req.CronSchedule != "0 8 * * *" {
				t.Errorf("CronSchedule = %q", req.CronSchedule)
			}
			return loom.CreateDAGResponse{Status: "created", DAGID: "dag-1", Title: "News Digest"}, nil
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/dags",
		`{"goal":"summarize the news","cron_schedule":"0 8 * * *","schedule_active":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var resp loom.CreateDAGResponse
	decodeInto(t, w, &resp)
	if resp.DAGID != "dag-1" || resp.Title != "News Digest" {
		t.Errorf("response = %+v", resp)
	}
}

func TestCreateDAGClarification(t *testing.T) {
	stub := &stubService{
		createDAG: func(context.Context, loom.CreateDAGRequest) (loom.CreateDAGResponse, error) {
			return loom.CreateDAGResponse{Status: "clarification_required", Query: "which news sources?"}, nil
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/dags", `{"goal":"summarize"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for clarification", w.Code)
	}
	var resp loom.CreateDAGResponse
	decodeInto(t, w, &resp)
	if resp.Query != "which news sources?" {
		t.Errorf("Query = %q", resp.Query)
	}
}

func TestCreateDAGBadJSON(t *testing.T) {
	srv := New(&stubService{}, loom.NewBus())
	w := do(t, srv.Router(), http.MethodPost, "/api/v1/dags", `{"goal":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body errorBody
	decodeInto(t, w, &body)
	if body.Error.Kind != string(loom.KindInvalidInput) {
		t.Errorf("kind = %q, want %s", body.Error.Kind, loom.KindInvalidInput)
	}
	if !strings.Contains(body.Error.Message, "decode request body") {
		t.Errorf("message = %q", body.Error.Message)
	}
}

func TestCreateDAGPlannerExhausted(t *testing.T) {
	stub := &stubService{
		createDAG: func(context.Context, loom.CreateDAGRequest) (loom.CreateDAGResponse, error) {
			return loom.CreateDAGResponse{}, loom.E(loom.KindPlannerExhausted, "planning failed after 3 attempts")
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/dags", `{"goal":"x"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var body errorBody
	decodeInto(t, w, &body)
	if body.Error.Kind != string(loom.KindPlannerExhausted) {
		t.Errorf("kind = %q", body.Error.Kind)
	}
}

func TestExecuteDAG(t *testing.T) {
	stub := &stubService{
		executeDAG: func(_ context.Context, dagID string) (loom.ExecuteDAGResponse, error) {
			if dagID != "dag-7" {
				t.Errorf("dagID = %q, want dag-7", dagID)
			}
			return loom.ExecuteDAGResponse{Status: "started", ExecutionID: "ex-1", TotalTasks: 3}, nil
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/dags/dag-7/execute", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	var resp loom.ExecuteDAGResponse
	decodeInto(t, w, &resp)
	if resp.ExecutionID != "ex-1" || resp.TotalTasks != 3 {
		t.Errorf("response = %+v", resp)
	}
}

func TestExecuteDAGNotFound(t *testing.T) {
	stub := &stubService{
		executeDAG: func(_ context.Context, dagID string) (loom.ExecuteDAGResponse, error) {
			return loom.ExecuteDAGResponse{}, fmt.Errorf("dag %s: %w", dagID, loom.ErrNotFound)
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/dags/dag-9/execute", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var body errorBody
	decodeInto(t, w, &body)
	if body.Error.Kind != "not_found" {
		t.Errorf("kind = %q, want not_found", body.Error.Kind)
	}
}

func TestResume(t *testing.T) {
	stub := &stubService{
		resumeDAG: func(_ context.Context, executionID string) (loom.ResumeDAGResponse, error) {
			if executionID != "ex-4" {
				t.Errorf("executionID = %q, want ex-4", executionID)
			}
			return loom.ResumeDAGResponse{Status: "resumed", ExecutionID: executionID, RetryCount: 2}, nil
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/executions/ex-4/resume", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var resp loom.ResumeDAGResponse
	decodeInto(t, w, &resp)
	if resp.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", resp.RetryCount)
	}
}

func TestResumeWrongState(t *testing.T) {
	stub := &stubService{
		resumeDAG: func(context.Context, string) (loom.ResumeDAGResponse, error) {
			return loom.ResumeDAGResponse{}, loom.Ef(loom.KindInvalidInput, "execution ex-4 is running; only suspended, failed or partial executions resume")
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/executions/ex-4/resume", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCreateAndExecute(t *testing.T) {
	stub := &stubService{
		createAndRun: func(_ context.Context, req loom.CreateDAGRequest) (loom.CreateAndExecuteDAGResponse, error) {
			return loom.CreateAndExecuteDAGResponse{
				Status: "executing", DAGID: "dag-1", ExecutionID: "ex-1", Title: "Digest",
			}, nil
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/dags/execute", `{"goal":"summarize"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var resp loom.CreateAndExecuteDAGResponse
	decodeInto(t, w, &resp)
	if resp.DAGID != "dag-1" || resp.ExecutionID != "ex-1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestCreateAndExecuteClarification(t *testing.T) {
	stub := &stubService{
		createAndRun: func(context.Context, loom.CreateDAGRequest) (loom.CreateAndExecuteDAGResponse, error) {
			return loom.CreateAndExecuteDAGResponse{Status: "clarification_required", Query: "what format?"}, nil
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/dags/execute", `{"goal":"report"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for clarification", w.Code)
	}
}

func TestExecutionStatus(t *testing.T) {
	stub := &stubService{
		status: func(_ context.Context, executionID string) (loom.ExecutionStatusResponse, error) {
			return loom.ExecutionStatusResponse{
				Execution: &loom.Execution{ID: executionID, Status: loom.ExecutionCompleted, TotalTasks: 2, CompletedTasks: 2},
				SubSteps: []*loom.SubStep{
					{TaskID: "1", Status: loom.SubStepCompleted},
					{TaskID: "2", Status: loom.SubStepCompleted},
				},
			}, nil
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodGet, "/api/v1/executions/ex-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp loom.ExecutionStatusResponse
	decodeInto(t, w, &resp)
	if resp.Execution == nil || resp.Execution.Status != loom.ExecutionCompleted {
		t.Fatalf("execution = %+v", resp.Execution)
	}
	if len(resp.SubSteps) != 2 {
		t.Errorf("len(SubSteps) = %d, want 2", len(resp.SubSteps))
	}
}

func TestExecutionStatusNotFound(t *testing.T) {
	stub := &stubService{
		status: func(_ context.Context, executionID string) (loom.ExecutionStatusResponse, error) {
			return loom.ExecutionStatusResponse{}, fmt.Errorf("execution %s: %w", executionID, loom.ErrNotFound)
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodGet, "/api/v1/executions/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCancelExecution(t *testing.T) {
	stub := &stubService{
		cancel: func(executionID string) bool { return executionID == "ex-1" },
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodDelete, "/api/v1/executions/ex-1", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var resp cancelResponse
	decodeInto(t, w, &resp)
	if resp.Status != "cancelling" || resp.ExecutionID != "ex-1" {
		t.Errorf("response = %+v", resp)
	}

	w = do(t, srv.Router(), http.MethodDelete, "/api/v1/executions/ex-2", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown execution", w.Code)
	}
}

func TestUpdateSchedule(t *testing.T) {
	var gotCron, gotTZ string
	var gotActive bool
	stub := &stubService{
		updateSched: func(_ context.Context, dagID, cron, tz string, active bool) error {
			if dagID != "dag-1" {
				t.Errorf("dagID = %q, want dag-1", dagID)
			}
			gotCron, gotTZ, gotActive = cron, tz, active
			return nil
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodPatch, "/api/v1/dags/dag-1/schedule",
		`{"cron_schedule":"30 6 * * *","timezone":"Asia/Jakarta","schedule_active":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if gotCron != "30 6 * * *" || gotTZ != "Asia/Jakarta" || !gotActive {
		t.Errorf("UpdateSchedule got (%q, %q, %v)", gotCron, gotTZ, gotActive)
	}
	var resp updateScheduleResponse
	decodeInto(t, w, &resp)
	if resp.Status != "updated" || resp.DAGID != "dag-1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestUpdateScheduleInvalidCron(t *testing.T) {
	stub := &stubService{
		updateSched: func(context.Context, string, string, string, bool) error {
			return loom.E(loom.KindInvalidCron, `parse cron "bogus"`)
		},
	}
	srv := New(stub, loom.NewBus())

	w := do(t, srv.Router(), http.MethodPatch, "/api/v1/dags/dag-1/schedule", `{"cron_schedule":"bogus"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body errorBody
	decodeInto(t, w, &body)
	if body.Error.Kind != string(loom.KindInvalidCron) {
		t.Errorf("kind = %q", body.Error.Kind)
	}
}

// --- SSE tests ---

func waitSubscribers(t *testing.T, bus *loom.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", bus.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readFrame scans the SSE stream for the next data frame.
func readFrame(t *testing.T, r *bufio.Reader) loom.Event {
	t.Helper()
	type frame struct {
		ev  loom.Event
		err error
	}
	ch := make(chan frame, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				ch <- frame{err: err}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev loom.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				ch <- frame{err: err}
				return
			}
			ch <- frame{ev: ev}
			return
		}
	}()
	select {
	case f := <-ch:
		if f.err != nil {
			t.Fatalf("read frame: %v", f.err)
		}
		return f.ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an SSE frame")
		return loom.Event{}
	}
}

func openStream(t *testing.T, url string) (*http.Response, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return resp, cancel
}

func TestEventsStreamFilters(t *testing.T) {
	bus := loom.NewBus()
	srv := New(&stubService{}, bus)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := openStream(t, ts.URL+"/api/v1/events?execution_id=ex-1")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	waitSubscribers(t, bus, 1)

	// The first event targets another execution and must not reach this
	// subscriber.
	bus.Publish(loom.Event{Type: loom.EventSubStepStarted, ExecutionID: "ex-2", TaskID: "1"})
	bus.Publish(loom.Event{Type: loom.EventExecutionCompleted, ExecutionID: "ex-1", Status: loom.ExecutionCompleted})

	ev := readFrame(t, bufio.NewReader(resp.Body))
	if ev.Type != loom.EventExecutionCompleted {
		t.Errorf("Type = %q, want %q", ev.Type, loom.EventExecutionCompleted)
	}
	if ev.ExecutionID != "ex-1" {
		t.Errorf("ExecutionID = %q, want ex-1", ev.ExecutionID)
	}
	if ev.Timestamp == 0 {
		t.Error("Timestamp not stamped")
	}
}

func TestEventsStreamUnfiltered(t *testing.T) {
	bus := loom.NewBus()
	srv := New(&stubService{}, bus)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := openStream(t, ts.URL+"/api/v1/events")
	waitSubscribers(t, bus, 1)

	bus.Publish(loom.Event{Type: loom.EventSubStepStarted, ExecutionID: "ex-2", TaskID: "1"})

	ev := readFrame(t, bufio.NewReader(resp.Body))
	if ev.ExecutionID != "ex-2" {
		t.Errorf("ExecutionID = %q, want ex-2", ev.ExecutionID)
	}
}

func TestEventsHeartbeat(t *testing.T) {
	bus := loom.NewBus()
	srv := New(&stubService{}, bus, WithHeartbeat(20*time.Millisecond))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := openStream(t, ts.URL+"/api/v1/events")

	ev := readFrame(t, bufio.NewReader(resp.Body))
	if ev.Type != loom.EventHeartbeat {
		t.Errorf("Type = %q, want %q", ev.Type, loom.EventHeartbeat)
	}
}

func TestEventsUnsubscribeOnClose(t *testing.T) {
	bus := loom.NewBus()
	srv := New(&stubService{}, bus)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, cancel := openStream(t, ts.URL+"/api/v1/events")
	waitSubscribers(t, bus, 1)

	cancel()
	waitSubscribers(t, bus, 0)
}
