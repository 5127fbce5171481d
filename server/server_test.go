package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/petalgp/bus"
	"github.com/petal-labs/petalgp/catalog"
	"github.com/petal-labs/petalgp/core"
	"github.com/petal-labs/petalgp/runtime"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	server *Server
	store  *bus.MemEventStore
	bus    *bus.MemBus
	http   *httptest.Server
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	if cfg.EventStore == nil {
		cfg.EventStore = store
	}
	if cfg.Bus == nil {
		cfg.Bus = eb
	}
	cfg.Logger = quietLogger()
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(context.Background())
		_ = eb.Close()
	})
	return &testEnv{server: srv, store: store, bus: eb, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, want, body)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := env.do(t, http.MethodGet, "/health", "")
	requireStatus(t, resp, http.StatusOK)
	if got := decode[map[string]string](t, resp); got["status"] != "ok" {
		t.Errorf("status = %q, want ok", got["status"])
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, ServerConfig{CORSOrigin: "https://example.test"})
	resp := env.do(t, http.MethodOptions, "/api/runs", "")
	requireStatus(t, resp, http.StatusNoContent)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://example.test" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCatalog(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := env.do(t, http.MethodGet, "/api/catalog", "")
	requireStatus(t, resp, http.StatusOK)

	ops := decode[[]OperatorInfo](t, resp)
	def := catalog.Default()
	if len(ops) != def.NumTerminals()+def.NumFunctions() {
		t.Fatalf("got %d operators, want %d", len(ops), def.NumTerminals()+def.NumFunctions())
	}
	if ops[0].Kind != "terminal" || ops[len(ops)-1].Kind != "function" {
		t.Errorf("terminals should precede functions: %+v", ops)
	}
}

func TestGenerate(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := env.do(t, http.MethodPost, "/api/generate", `{"depth": 2, "count": 4, "seed": 3, "eval": true}`)
	requireStatus(t, resp, http.StatusOK)

	trees := decode[[]GeneratedTree](t, resp)
	if len(trees) != 4 {
		t.Fatalf("got %d trees, want 4", len(trees))
	}
	for i, tr := range trees {
		if tr.Depth != 3 {
			t.Errorf("tree %d: depth = %d, want 3", i, tr.Depth)
		}
		if !strings.HasPrefix(tr.Text, "(") {
			t.Errorf("tree %d: text = %q, want an s-expression", i, tr.Text)
		}
		if _, ok := tr.Value.(float64); !ok {
			t.Errorf("tree %d: value = %v (%T)", i, tr.Value, tr.Value)
		}
	}
}

func TestGenerate_EmptyBodyUsesDefaults(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := env.do(t, http.MethodPost, "/api/generate", "")
	requireStatus(t, resp, http.StatusOK)
	trees := decode[[]GeneratedTree](t, resp)
	if len(trees) != 1 || trees[0].Depth != 4 {
		t.Errorf("got %+v, want one tree of depth 4", trees)
	}
}

func TestGenerate_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"negative depth", `{"depth": -1}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"depth over limit", `{"depth": 99}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"count over limit", `{"count": 1000}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown field", `{"width": 2}`, http.StatusBadRequest, "PARSE_ERROR"},
		{"malformed", `{`, http.StatusBadRequest, "PARSE_ERROR"},
	}
	env := newTestEnv(t, ServerConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/generate", tt.body)
			requireStatus(t, resp, tt.status)
			if got := decode[apiError](t, resp); got.Error.Code != tt.code {
				t.Errorf("code = %q, want %q", got.Error.Code, tt.code)
			}
		})
	}
}

func TestGenerate_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxBody: 16})
	resp := env.do(t, http.MethodPost, "/api/generate", `{"depth": 1, "count": 1, "seed": 12345678}`)
	requireStatus(t, resp, http.StatusRequestEntityTooLarge)
}

func TestGenerate_NoTerminals(t *testing.T) {
	plus, _ := catalog.Builtin("+")
	env := newTestEnv(t, ServerConfig{Catalog: catalog.MustNew(nil, []core.Operator{plus})})
	resp := env.do(t, http.MethodPost, "/api/generate", `{"depth": 1}`)
	requireStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestGenerate_NodeBudget(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxNodes: 100})
	// A full depth-3 tree over arity 3 has 40 nodes.
	resp := env.do(t, http.MethodPost, "/api/generate", `{"depth": 3, "count": 2, "seed": 1}`)
	requireStatus(t, resp, http.StatusOK)

	resp = env.do(t, http.MethodPost, "/api/generate", `{"depth": 3, "count": 3, "seed": 1}`)
	requireStatus(t, resp, http.StatusBadRequest)
	if got := decode[apiError](t, resp); got.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q, want VALIDATION_ERROR", got.Error.Code)
	}

	def := newTestEnv(t, ServerConfig{})
	resp = def.do(t, http.MethodPost, "/api/generate", `{"depth": 12, "count": 2}`)
	requireStatus(t, resp, http.StatusBadRequest)
}

func TestFullTreeSize(t *testing.T) {
	tests := []struct {
		arity, depth, limit, want int
	}{
		{0, 5, 100, 1},
		{1, 4, 100, 5},
		{2, 3, 100, 15},
		{3, 3, 100, 40},
		{3, 12, 1 << 20, 797161},
		{3, 13, 1 << 20, 1<<20 + 1},
		{2, 200, 1000, 1001},
	}
	for _, tt := range tests {
		if got := fullTreeSize(tt.arity, tt.depth, tt.limit); got != tt.want {
			t.Errorf("fullTreeSize(%d, %d, %d) = %d, want %d", tt.arity, tt.depth, tt.limit, got, tt.want)
		}
	}
}

func TestWriteJSON_UnencodableValue(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]float64{"v": math.NaN()})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not an error envelope: %v: %s", err, rec.Body)
	}
	if body.Error.Code != "ENCODE_ERROR" {
		t.Errorf("code = %q, want ENCODE_ERROR", body.Error.Code)
	}
}

func TestStartRun_NonFiniteResults(t *testing.T) {
	mul, _ := catalog.Builtin("*")
	cat := catalog.MustNew([]core.Operator{core.Constant("c3", 3.0)}, []core.Operator{mul})
	env := newTestEnv(t, ServerConfig{Catalog: cat})

	resp := env.do(t, http.MethodPost, "/api/runs", `{"trials": 3, "seed": 1, "min_depth": 11, "max_depth": 11, "wait": true}`)
	requireStatus(t, resp, http.StatusOK)
	run := decode[RunResponse](t, resp)
	if run.Summary == nil || run.Summary.Completed != 3 || run.Summary.NonFinite != 3 {
		t.Fatalf("unexpected response: %+v", run)
	}

	resp = env.do(t, http.MethodGet, run.EventsURL, "")
	requireStatus(t, resp, http.StatusOK)
	events := decode[[]runtime.Event](t, resp)
	if len(events) != 5 {
		t.Fatalf("stored %d events, want 5", len(events))
	}
	for _, e := range events {
		if e.Kind == runtime.EventTrialFinished && e.Payload["result"] != "+Inf" {
			t.Errorf("trial %d result = %v, want \"+Inf\"", e.Trial, e.Payload["result"])
		}
	}
}

func TestStartRun_Wait(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := env.do(t, http.MethodPost, "/api/runs", `{"trials": 25, "seed": 4, "min_depth": 1, "max_depth": 3, "wait": true}`)
	requireStatus(t, resp, http.StatusOK)

	run := decode[RunResponse](t, resp)
	if run.Status != "completed" || run.Summary == nil || run.Summary.Completed != 25 {
		t.Fatalf("unexpected response: %+v", run)
	}
	if run.Summary.RunID != run.RunID {
		t.Errorf("summary run id %q != %q", run.Summary.RunID, run.RunID)
	}

	resp = env.do(t, http.MethodGet, "/api/runs", "")
	requireStatus(t, resp, http.StatusOK)
	runs := decode[[]bus.RunRecord](t, resp)
	if len(runs) != 1 || runs[0].RunID != run.RunID || runs[0].Events != 27 {
		t.Errorf("runs = %+v", runs)
	}

	resp = env.do(t, http.MethodGet, "/api/runs/"+run.RunID, "")
	requireStatus(t, resp, http.StatusOK)
	rec := decode[bus.RunRecord](t, resp)
	if rec.Status != "completed" || rec.Completed != 25 {
		t.Errorf("record = %+v", rec)
	}

	resp = env.do(t, http.MethodGet, run.EventsURL+"?after=20&limit=3", "")
	requireStatus(t, resp, http.StatusOK)
	events := decode[[]runtime.Event](t, resp)
	if len(events) != 3 || events[0].Seq != 21 {
		t.Errorf("events = %+v", events)
	}
}

func TestStartRun_Async(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := env.do(t, http.MethodPost, "/api/runs", `{"trials": 40, "seed": 2}`)
	requireStatus(t, resp, http.StatusAccepted)

	run := decode[RunResponse](t, resp)
	if run.Status != "accepted" || run.RunID == "" {
		t.Fatalf("unexpected response: %+v", run)
	}
	if run.StreamURL != "/api/runs/"+run.RunID+"/stream" {
		t.Errorf("stream url = %q", run.StreamURL)
	}

	stream := env.do(t, http.MethodGet, run.StreamURL, "")
	requireStatus(t, stream, http.StatusOK)

	done := make(chan string, 1)
	go func() {
		body, _ := io.ReadAll(stream.Body)
		done <- string(body)
	}()
	var body string
	select {
	case body = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not end")
	}
	if got := strings.Count(body, "event: trial."); got != 40 {
		t.Errorf("streamed %d trial events, want 40", got)
	}
	if !strings.Contains(body, "event: run.finished") {
		t.Error("stream should end with run.finished")
	}

	if err := env.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	latest, _ := env.store.LatestSeq(context.Background(), run.RunID)
	if latest != 42 {
		t.Errorf("stored %d events, want 42", latest)
	}
}

func TestStartRun_AfterShutdown(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	if err := env.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	resp := env.do(t, http.MethodPost, "/api/runs", `{"trials": 2}`)
	requireStatus(t, resp, http.StatusServiceUnavailable)
	if got := decode[apiError](t, resp); got.Error.Code != "SHUTTING_DOWN" {
		t.Errorf("code = %q, want SHUTTING_DOWN", got.Error.Code)
	}
}

func TestStartRun_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative trials", `{"trials": -5}`},
		{"too many trials", `{"trials": 1000}`},
		{"inverted range", `{"min_depth": 4, "max_depth": 2}`},
		{"depth over limit", `{"max_depth": 50}`},
	}
	env := newTestEnv(t, ServerConfig{MaxTrials: 100})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/runs", tt.body)
			requireStatus(t, resp, http.StatusBadRequest)
		})
	}
}

func TestStartRun_UnusableCatalog(t *testing.T) {
	plus, _ := catalog.Builtin("+")
	env := newTestEnv(t, ServerConfig{Catalog: catalog.MustNew(nil, []core.Operator{plus})})
	resp := env.do(t, http.MethodPost, "/api/runs", `{"trials": 3, "wait": true}`)
	requireStatus(t, resp, http.StatusUnprocessableEntity)
	run := decode[RunResponse](t, resp)
	if run.Status != "failed" || run.Error == "" {
		t.Errorf("unexpected response: %+v", run)
	}
}

func TestStartRun_RuntimeEventsAndDecorator(t *testing.T) {
	var handled, decorated atomic.Int32
	env := newTestEnv(t, ServerConfig{
		RuntimeEvents: func(runtime.Event) { handled.Add(1) },
		EmitDecorator: func(next runtime.EventEmitter) runtime.EventEmitter {
			return func(e runtime.Event) {
				decorated.Add(1)
				next(e)
			}
		},
	})
	resp := env.do(t, http.MethodPost, "/api/runs", `{"trials": 2, "wait": true}`)
	requireStatus(t, resp, http.StatusOK)
	if handled.Load() != 4 || decorated.Load() != 4 {
		t.Errorf("handler saw %d events, decorator %d, want 4 each", handled.Load(), decorated.Load())
	}
}

func TestListRuns_StatusFilter(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	ctx := context.Background()
	for _, id := range []string{"run-a", "run-b"} {
		_ = env.store.Append(ctx, runtime.NewEvent(runtime.EventRunStarted, id).WithTime(time.Now()))
	}
	finished := runtime.NewEvent(runtime.EventRunFinished, "run-b").WithPayload("status", "canceled")
	finished.Seq = 2
	_ = env.store.Append(ctx, finished)

	resp := env.do(t, http.MethodGet, "/api/runs?status=canceled", "")
	requireStatus(t, resp, http.StatusOK)
	runs := decode[[]bus.RunRecord](t, resp)
	if len(runs) != 1 || runs[0].RunID != "run-b" {
		t.Errorf("runs = %+v, want only run-b", runs)
	}
}

func TestRunLookups_NotFound(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	for _, path := range []string{"/api/runs/missing", "/api/runs/missing/events"} {
		resp := env.do(t, http.MethodGet, path, "")
		requireStatus(t, resp, http.StatusNotFound)
	}
	resp := env.do(t, http.MethodGet, "/api/runs/missing/events?after=x", "")
	requireStatus(t, resp, http.StatusBadRequest)
}

func TestRuns_NoEventStore(t *testing.T) {
	srv := NewServer(ServerConfig{Logger: quietLogger()})
	defer srv.Shutdown(context.Background())

	for _, path := range []string{"/api/runs", "/api/runs/x", "/api/runs/x/events"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotImplemented {
			t.Errorf("%s: status = %d, want 501", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"trials": 3, "wait": true}`)
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", body))
	if rec.Code != http.StatusOK {
		t.Errorf("run without store: status = %d, want 200", rec.Code)
	}
}
