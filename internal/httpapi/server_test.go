package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jxucoder/sandboxd/internal/orchestrator"
	"github.com/jxucoder/sandboxd/pkg/eventbus"
	"github.com/jxucoder/sandboxd/pkg/model"
	"github.com/jxucoder/sandboxd/pkg/store/sqlite"
)

const testSecret = "s3cret-token"

func newTestServer(t *testing.T, ops Lifecycle, secret string) *Server {
	t.Helper()
	return New(ops, nil, nil, Options{APISecret: secret})
}

func post(t *testing.T, srv *Server, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return out
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestAuth(t *testing.T) {
	// Same length as testSecret, last byte differs by one bit.
	oneBitOff := testSecret[:len(testSecret)-1] + string(testSecret[len(testSecret)-1]^1)

	tests := []struct {
		name   string
		secret string
		header map[string]string
		want   int
	}{
		{name: "dev mode without header", secret: "", header: nil, want: http.StatusOK},
		{name: "dev mode ignores bad token", secret: "", header: bearer("anything"), want: http.StatusOK},
		{name: "missing header", secret: testSecret, header: nil, want: http.StatusUnauthorized},
		{name: "basic scheme", secret: testSecret, header: map[string]string{"Authorization": "Basic dXNlcjpwdw=="}, want: http.StatusUnauthorized},
		{name: "empty bearer", secret: testSecret, header: map[string]string{"Authorization": "Bearer "}, want: http.StatusUnauthorized},
		{name: "wrong token", secret: testSecret, header: bearer("nope"), want: http.StatusForbidden},
		{name: "one bit different", secret: testSecret, header: bearer(oneBitOff), want: http.StatusForbidden},
		{name: "valid token", secret: testSecret, header: bearer(testSecret), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := newStubLifecycle()
			srv := newTestServer(t, ops, tt.secret)
			w := post(t, srv, "/api/status", `{"sandboxId":"sb-1"}`, tt.header)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want != http.StatusOK {
				if ops.lastCall() != "" {
					t.Errorf("operation ran despite auth failure: %q", ops.lastCall())
				}
				if body := decodeBody(t, w); body["error"] == "" {
					t.Error("auth failure without error message")
				}
			}
		})
	}
}

func TestAuth_HealthIsOpen(t *testing.T) {
	srv := newTestServer(t, newStubLifecycle(), testSecret)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("/health = %d %q", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Parameter validation
// ---------------------------------------------------------------------------

func TestMissingParameters(t *testing.T) {
	tests := []struct {
		path string
		body string
		want string
	}{
		{"/api/create", `{}`, msgMissingCreate},
		{"/api/create", `{"repo":"octo/hello"}`, msgMissingCreate},
		{"/api/create", `{"pat":"ghp_x"}`, msgMissingCreate},
		{"/api/pause", `{}`, msgMissingSandbox},
		{"/api/terminate", `{"sandboxId":""}`, msgMissingSandbox},
		{"/api/status", `{}`, msgMissingSandbox},
		{"/api/logs", `{}`, msgMissingSandbox},
		{"/api/resume", `{}`, msgMissingSnapshot},
		{"/api/status", `{"sandboxId":"sb-1","extra":true}`, msgInvalidBody},
		{"/api/create", `not json`, msgInvalidBody},
	}
	for _, tt := range tests {
		t.Run(tt.path+" "+tt.body, func(t *testing.T) {
			ops := newStubLifecycle()
			w := post(t, newTestServer(t, ops, ""), tt.path, tt.body, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if got := decodeBody(t, w)["error"]; got != tt.want {
				t.Errorf("error = %v, want %q", got, tt.want)
			}
			if ops.lastCall() != "" {
				t.Errorf("operation ran with invalid parameters: %q", ops.lastCall())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func TestCreate(t *testing.T) {
	ops := newStubLifecycle()
	srv := newTestServer(t, ops, testSecret)

	w := post(t, srv, "/api/create", `{"repo":"octo/hello","pat":"ghp_secret"}`, bearer(testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	want := map[string]any{
		"sandboxId":  "sb-1",
		"tunnelUrl":  "https://sb-1-4096.tunnel.test",
		"branchName": "opencode/session-1700000000",
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}
	if _, ok := body["error"]; ok {
		t.Errorf("unexpected error field: %v", body["error"])
	}
	if len(ops.creds) != 1 || ops.creds[0] != "ghp_secret" {
		t.Errorf("credential passed = %v", ops.creds)
	}
}

func TestCreate_ProvisionErrorIsData(t *testing.T) {
	ops := newStubLifecycle()
	ops.createErr = &orchestrator.ProvisionError{
		Step: orchestrator.StepClone,
		Err:  errors.New("fatal: repository 'octo/missing' not found"),
	}
	w := post(t, newTestServer(t, ops, ""), "/api/create", `{"repo":"octo/missing","pat":"ghp_x"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decodeBody(t, w)["error"]
	if got != "Failed to clone repository: fatal: repository 'octo/missing' not found" {
		t.Errorf("error = %v", got)
	}
}

func TestCreate_DetachedFromClient(t *testing.T) {
	ops := newStubLifecycle()
	srv := newTestServer(t, ops, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/create",
		strings.NewReader(`{"repo":"octo/hello","pat":"ghp_x"}`)).WithContext(ctx)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	if ops.lastCall() != "create octo/hello" {
		t.Fatalf("last call = %q", ops.lastCall())
	}
	if ops.ctxErr != nil {
		t.Errorf("operation saw cancelled context: %v", ops.ctxErr)
	}
}

func TestCreate_OutlivesRequestTimeout(t *testing.T) {
	ops := newStubLifecycle()
	ops.createDelay = 50 * time.Millisecond
	srv := New(ops, nil, nil, Options{RequestTimeout: 5 * time.Millisecond})

	w := post(t, srv, "/api/create", `{"repo":"acme/widgets","pat":"ghp_x"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["sandboxId"] != "sb-1" {
		t.Errorf("body = %v", body)
	}
}

func TestRequestTimeoutCoversOnlyReads(t *testing.T) {
	srv := New(newStubLifecycle(), nil, nil, Options{})
	counts := map[string]int{}
	err := chi.Walk(srv.router, func(method, route string, _ http.Handler, mws ...func(http.Handler) http.Handler) error {
		counts[method+" "+route] = len(mws)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	base := counts["POST /api/create"]
	for _, route := range []string{"POST /api/pause", "POST /api/resume", "POST /api/terminate", "POST /api/status", "POST /api/logs", "GET /api/sandboxes/{id}/events"} {
		if counts[route] != base {
			t.Errorf("%s has %d middlewares, want %d like create", route, counts[route], base)
		}
	}
	if got := counts["GET /api/sandboxes/{id}"]; got != base+1 {
		t.Errorf("history has %d middlewares, want %d (timeout)", got, base+1)
	}
}

func TestPause(t *testing.T) {
	ops := newStubLifecycle()
	w := post(t, newTestServer(t, ops, ""), "/api/pause", `{"sandboxId":"sb-1"}`, nil)
	if got := decodeBody(t, w)["snapshotId"]; got != "im-sb-1-1" {
		t.Errorf("snapshotId = %v", got)
	}
}

func TestPause_SnapshotErrorIsData(t *testing.T) {
	ops := newStubLifecycle()
	ops.pauseErr = &orchestrator.SnapshotError{SandboxID: "sb-1", Err: errors.New("quota exceeded")}
	w := post(t, newTestServer(t, ops, ""), "/api/pause", `{"sandboxId":"sb-1"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decodeBody(t, w)["error"]; got != "Snapshot failed: quota exceeded" {
		t.Errorf("error = %v", got)
	}
}

func TestResume(t *testing.T) {
	ops := newStubLifecycle()
	w := post(t, newTestServer(t, ops, ""), "/api/resume", `{"snapshotId":"im-sb-1-1"}`, nil)
	body := decodeBody(t, w)
	if body["sandboxId"] != "sb-2" || body["tunnelUrl"] != "https://sb-2-4096.tunnel.test" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["branchName"]; ok {
		t.Error("resume response carries branchName")
	}
}

func TestResume_ErrorIsData(t *testing.T) {
	ops := newStubLifecycle()
	ops.resumeErr = &orchestrator.ResumeError{Step: orchestrator.StepProbe, SnapshotID: "im-1", Err: errBoom}
	w := post(t, newTestServer(t, ops, ""), "/api/resume", `{"snapshotId":"im-1"}`, nil)
	if got := decodeBody(t, w)["error"]; got != "Agent server failed to start after resume: boom" {
		t.Errorf("error = %v", got)
	}
}

func TestTerminateAndStatus(t *testing.T) {
	ops := newStubLifecycle()
	srv := newTestServer(t, ops, "")

	tests := []struct {
		path string
		id   string
		want map[string]any
	}{
		{"/api/terminate", "sb-1", map[string]any{"success": true}},
		{"/api/terminate", "sb-9", map[string]any{"success": false, "error": "sandbox not found"}},
		{"/api/status", "sb-1", map[string]any{"exists": true, "sandboxId": "sb-1"}},
		{"/api/status", "sb-9", map[string]any{"exists": false, "error": "sandbox not found"}},
	}
	for _, tt := range tests {
		t.Run(tt.path+" "+tt.id, func(t *testing.T) {
			w := post(t, srv, tt.path, `{"sandboxId":"`+tt.id+`"}`, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			body := decodeBody(t, w)
			if len(body) != len(tt.want) {
				t.Errorf("body = %v, want %v", body, tt.want)
			}
			for k, v := range tt.want {
				if body[k] != v {
					t.Errorf("%s = %v, want %v", k, body[k], v)
				}
			}
		})
	}
}

func TestLogs(t *testing.T) {
	ops := newStubLifecycle()
	srv := newTestServer(t, ops, "")

	body := decodeBody(t, post(t, srv, "/api/logs", `{"sandboxId":"sb-1"}`, nil))
	for _, k := range []string{"processes", "healthCheck", "agentLog"} {
		if s, _ := body[k].(string); s == "" {
			t.Errorf("%s missing from %v", k, body)
		}
	}

	ops.logsErr = errBoom
	body = decodeBody(t, post(t, srv, "/api/logs", `{"sandboxId":"sb-1"}`, nil))
	if body["error"] != "boom" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestHistory(t *testing.T) {
	srv := newTestServer(t, newStubLifecycle(), "")

	req := httptest.NewRequest(http.MethodGet, "/api/sandboxes/sb-1", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var h orchestrator.History
	if err := json.NewDecoder(w.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Sandbox.ID != "sb-1" || len(h.Events) != 1 {
		t.Errorf("history = %+v", h)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sandboxes/sb-9", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown sandbox status = %d, want 404", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, newStubLifecycle(), testSecret)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sandboxd_http_requests_total") {
		t.Error("/metrics does not expose gateway request counter")
	}
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

func TestEvents_ReplaysHistoryAndStopsAtTerminal(t *testing.T) {
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.PutSandbox(ctx, &model.Sandbox{ID: "sb-1", State: model.StateTerminated}); err != nil {
		t.Fatal(err)
	}
	for _, to := range []model.State{model.StateReady, model.StateTerminating, model.StateTerminated} {
		if err := st.AddEvent(ctx, &model.Event{SandboxID: "sb-1", To: to, Op: "terminate"}); err != nil {
			t.Fatal(err)
		}
	}

	srv := New(newStubLifecycle(), st, eventbus.NewInMemoryBus(), Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/sandboxes/sb-1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	want := []string{"ready", "terminating", "terminated"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", names, want)
	}
}

func TestEvents_LiveAfterLastEventID(t *testing.T) {
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	st.PutSandbox(ctx, &model.Sandbox{ID: "sb-1", State: model.StateReady})
	first := &model.Event{SandboxID: "sb-1", To: model.StateReady}
	st.AddEvent(ctx, first)

	bus := eventbus.NewInMemoryBus()
	srv := New(newStubLifecycle(), st, bus, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sandboxes/sb-1/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Headers are flushed once the subscription exists.
	bus.Publish(&model.Event{ID: 2, SandboxID: "sb-1", From: model.StateReady, To: model.StateTerminating})
	bus.Publish(&model.Event{ID: 3, SandboxID: "sb-1", From: model.StateTerminating, To: model.StateTerminated})

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "id: 1\n") {
		t.Error("replayed an event at or before Last-Event-ID")
	}
	if !strings.Contains(out, "event: terminating") || !strings.Contains(out, "event: terminated") {
		t.Errorf("live events missing from stream:\n%s", out)
	}
}

func TestEvents_StopsAtPaused(t *testing.T) {
	newStore := func(t *testing.T) *sqlite.Store {
		t.Helper()
		st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { st.Close() })
		if err := st.PutSandbox(context.Background(), &model.Sandbox{ID: "sb-1", State: model.StateReady}); err != nil {
			t.Fatal(err)
		}
		return st
	}
	// A stream that does not end fails on the client timeout.
	client := &http.Client{Timeout: 5 * time.Second}

	t.Run("replayed", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		for _, to := range []model.State{model.StateReady, model.StatePausing, model.StatePaused} {
			if err := st.AddEvent(ctx, &model.Event{SandboxID: "sb-1", To: to, Op: "pause"}); err != nil {
				t.Fatal(err)
			}
		}
		ts := httptest.NewServer(New(newStubLifecycle(), st, eventbus.NewInMemoryBus(), Options{}).Handler())
		defer ts.Close()

		resp, err := client.Get(ts.URL + "/api/sandboxes/sb-1/events")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("stream did not end after paused: %v", err)
		}
		if !strings.Contains(string(data), "event: paused") {
			t.Errorf("stream = %q", data)
		}
	})

	t.Run("live", func(t *testing.T) {
		st := newStore(t)
		bus := eventbus.NewInMemoryBus()
		ts := httptest.NewServer(New(newStubLifecycle(), st, bus, Options{}).Handler())
		defer ts.Close()

		resp, err := client.Get(ts.URL + "/api/sandboxes/sb-1/events")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		bus.Publish(&model.Event{ID: 1, SandboxID: "sb-1", From: model.StateReady, To: model.StatePausing})
		bus.Publish(&model.Event{ID: 2, SandboxID: "sb-1", From: model.StatePausing, To: model.StatePaused})

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("stream did not end after paused: %v", err)
		}
		if !strings.Contains(string(data), "event: paused") {
			t.Errorf("stream = %q", data)
		}
	})
}

func TestEvents_UnknownSandbox(t *testing.T) {
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	srv := New(newStubLifecycle(), st, eventbus.NewInMemoryBus(), Options{})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sandboxes/nope/events", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
