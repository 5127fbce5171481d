package server

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/petalgp/bus"
	"github.com/petal-labs/petalgp/core"
	"github.com/petal-labs/petalgp/gen"
	"github.com/petal-labs/petalgp/interp"
	"github.com/petal-labs/petalgp/render"
	"github.com/petal-labs/petalgp/runtime"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// OperatorInfo describes one catalog entry.
type OperatorInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Arity       int    `json:"arity"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	ops := append(s.catalog.Terminals(), s.catalog.Functions()...)
	out := make([]OperatorInfo, 0, len(ops))
	for _, op := range ops {
		out = append(out, OperatorInfo{
			Name:        op.Name,
			Kind:        op.Kind().String(),
			Arity:       op.Arity,
			Description: op.Description,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GenerateRequest is the body of POST /api/generate. Every field is
// optional; depth defaults to 3 and count to 1.
type GenerateRequest struct {
	Depth *int   `json:"depth,omitempty"`
	Count int    `json:"count,omitempty"`
	Seed  uint64 `json:"seed,omitempty"`
	Eval  bool   `json:"eval,omitempty"`
}

// GeneratedTree is one tree in the POST /api/generate response.
type GeneratedTree struct {
	Tree  render.Readable `json:"tree"`
	Text  string          `json:"text"`
	Depth int             `json:"depth"`
	Size  int             `json:"size"`
	Value any             `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decodeJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return
	}

	depth := 3
	if req.Depth != nil {
		depth = *req.Depth
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	var details []string
	if depth < 0 || depth > s.maxDepth {
		details = append(details, fmt.Sprintf("depth must be between 0 and %d", s.maxDepth))
	}
	if count < 1 || count > s.maxCount {
		details = append(details, fmt.Sprintf("count must be between 1 and %d", s.maxCount))
	}
	if len(details) == 0 {
		if nodes := fullTreeSize(s.catalog.MaxArity(), depth, s.maxNodes); nodes*count > s.maxNodes {
			details = append(details, fmt.Sprintf("depth %d with count %d may build more than %d nodes", depth, count, s.maxNodes))
		}
	}
	if len(details) > 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid generate request", details...)
		return
	}

	var opts []gen.Option
	if req.Seed != 0 {
		opts = append(opts, gen.WithSeed(req.Seed))
	}
	g := gen.New(s.catalog, opts...)

	out := make([]GeneratedTree, 0, count)
	for i := 0; i < count; i++ {
		tree, err := g.Generate(depth)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "CATALOG_ERROR", err.Error())
			return
		}
		readable := render.ToReadable(tree)
		rec := GeneratedTree{
			Tree:  readable,
			Text:  readable.String(),
			Depth: tree.Depth(),
			Size:  tree.Size(),
		}
		if req.Eval {
			v, err := interp.Run(tree)
			if err != nil {
				rec.Error = err.Error()
			} else {
				rec.Value = jsonValue(v)
			}
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// fullTreeSize returns the node count of a full tree of the given arity and
// depth, or limit+1 once it exceeds limit.
func fullTreeSize(arity, depth, limit int) int {
	size, level := 1, 1
	for i := 0; i < depth; i++ {
		level *= arity
		size += level
		if size > limit {
			return limit + 1
		}
	}
	return size
}

// jsonValue keeps non-finite floats encodable.
func jsonValue(v core.Value) any {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return v
}

// RunRequest is the body of POST /api/runs. Zero fields take the values of
// runtime.DefaultRunOptions.
type RunRequest struct {
	Trials      int    `json:"trials,omitempty"`
	MinDepth    *int   `json:"min_depth,omitempty"`
	MaxDepth    *int   `json:"max_depth,omitempty"`
	Seed        uint64 `json:"seed,omitempty"`
	StopOnError bool   `json:"stop_on_error,omitempty"`

	// Wait runs the batch within the request and returns its summary.
	Wait bool `json:"wait,omitempty"`
}

// RunResponse is returned by POST /api/runs.
type RunResponse struct {
	RunID     string              `json:"run_id"`
	Status    string              `json:"status"`
	Summary   *runtime.RunSummary `json:"summary,omitempty"`
	Error     string              `json:"error,omitempty"`
	EventsURL string              `json:"events_url"`
	StreamURL string              `json:"stream_url,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return
	}

	opts, details := s.runOptions(req)
	if len(details) > 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid run request", details...)
		return
	}

	resp := RunResponse{
		RunID:     opts.RunID,
		EventsURL: "/api/runs/" + opts.RunID + "/events",
	}
	if s.eventStore != nil && s.bus != nil {
		resp.StreamURL = "/api/runs/" + opts.RunID + "/stream"
	}

	if req.Wait {
		sum, err := s.runner.Run(r.Context(), opts)
		resp.Summary = sum
		if sum != nil {
			resp.Status = sum.Status
		}
		if err != nil {
			resp.Error = err.Error()
			if sum == nil || (!errors.Is(err, runtime.ErrTrialFailed) && !errors.Is(err, runtime.ErrRunCanceled)) {
				writeJSON(w, http.StatusUnprocessableEntity, resp)
				return
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if !s.startRun() {
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is shutting down")
		return
	}
	go func() {
		defer s.runs.Done()
		if _, err := s.runner.Run(s.ctx, opts); err != nil {
			s.logger.Warn("background run ended with error", "run_id", opts.RunID, "error", err)
		}
	}()
	resp.Status = "accepted"
	writeJSON(w, http.StatusAccepted, resp)
}

// runOptions validates req and builds the runner options with the server's
// event plumbing attached.
func (s *Server) runOptions(req RunRequest) (runtime.RunOptions, []string) {
	opts := runtime.DefaultRunOptions()
	if req.Trials != 0 {
		opts.Trials = req.Trials
	}
	if req.MinDepth != nil {
		opts.MinDepth = *req.MinDepth
	}
	if req.MaxDepth != nil {
		opts.MaxDepth = *req.MaxDepth
	}
	opts.Seed = req.Seed
	opts.StopOnError = req.StopOnError

	var details []string
	if opts.Trials < 1 || opts.Trials > s.maxTrials {
		details = append(details, fmt.Sprintf("trials must be between 1 and %d", s.maxTrials))
	}
	if opts.MinDepth < 0 || opts.MaxDepth < opts.MinDepth || opts.MaxDepth > s.maxDepth {
		details = append(details, fmt.Sprintf("depth range must satisfy 0 <= min_depth <= max_depth <= %d", s.maxDepth))
	}
	if len(details) > 0 {
		return opts, details
	}

	opts.RunID = uuid.NewString()
	opts.Catalog = s.catalog
	opts.Logger = s.logger
	opts.EventEmitterDecorator = s.emitDecorator

	var handlers []runtime.EventHandler
	if s.eventStore != nil {
		handlers = append(handlers, bus.NewStoreSubscriber(s.eventStore, s.logger).Handle)
	}
	if s.runtimeEvents != nil {
		handlers = append(handlers, s.runtimeEvents)
	}
	// Publish after persisting so a stream that replays the store and
	// then follows the bus sees every event.
	if s.bus != nil {
		handlers = append(handlers, s.bus.Publish)
	}
	if len(handlers) > 0 {
		opts.EventHandler = runtime.MultiEventHandler(handlers...)
	}
	return opts, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}

	runs, err := s.eventStore.Runs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	statusFilter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	out := make([]bus.RunRecord, 0, len(runs))
	for _, rec := range runs {
		if statusFilter != "" && strings.ToLower(rec.Status) != statusFilter {
			continue
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}

	runID := strings.TrimSpace(r.PathValue("run_id"))
	events, err := s.eventStore.List(r.Context(), runID, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	rec, ok := bus.Summarize(runID, events)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}

	runID := strings.TrimSpace(r.PathValue("run_id"))
	query := r.URL.Query()
	var after uint64
	if v := query.Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid after parameter")
			return
		}
		after = parsed
	}
	limit := 0
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid limit parameter")
			return
		}
		limit = parsed
	}

	events, err := s.eventStore.List(r.Context(), runID, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if len(events) == 0 && after == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
}
