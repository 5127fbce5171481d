// Package server exposes tree generation and trial runs over HTTP. Runs
// started through the API are persisted to the event store and can be
// followed live with Server-Sent Events.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/petal-labs/petalgp/bus"
	"github.com/petal-labs/petalgp/catalog"
	"github.com/petal-labs/petalgp/runtime"
	"github.com/petal-labs/petalgp/sse"
)

// Request limits applied when ServerConfig leaves them zero.
const (
	defaultMaxTrials = 100000
	defaultMaxDepth  = 12
	defaultMaxCount  = 100
	defaultMaxNodes  = 1 << 20
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Catalog       *catalog.Catalog
	Runner        *runtime.Runner
	Bus           bus.EventBus
	EventStore    bus.EventStore
	RuntimeEvents runtime.EventHandler
	EmitDecorator runtime.EventEmitterDecorator
	CORSOrigin    string
	MaxBody       int64

	// MaxTrials, MaxDepth and MaxCount bound run and generate requests.
	MaxTrials int
	MaxDepth  int
	MaxCount  int

	// MaxNodes bounds the worst-case number of nodes one generate request
	// may build across all of its trees.
	MaxNodes int

	Logger *slog.Logger
}

// Server is the petalgp HTTP API server.
type Server struct {
	catalog       *catalog.Catalog
	runner        *runtime.Runner
	bus           bus.EventBus
	eventStore    bus.EventStore
	runtimeEvents runtime.EventHandler
	emitDecorator runtime.EventEmitterDecorator
	corsOrigin    string
	maxBody       int64
	maxTrials     int
	maxDepth      int
	maxCount      int
	maxNodes      int
	logger        *slog.Logger

	// Background runs use ctx, not the request context, and are awaited
	// by Shutdown. closed is guarded by mu so no run is added to runs
	// once Shutdown has begun waiting.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	runs   sync.WaitGroup
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cat := cfg.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = runtime.NewRunner()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	maxTrials := cfg.MaxTrials
	if maxTrials <= 0 {
		maxTrials = defaultMaxTrials
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	maxCount := cfg.MaxCount
	if maxCount <= 0 {
		maxCount = defaultMaxCount
	}
	maxNodes := cfg.MaxNodes
	if maxNodes <= 0 {
		maxNodes = defaultMaxNodes
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		catalog:       cat,
		runner:        runner,
		bus:           cfg.Bus,
		eventStore:    cfg.EventStore,
		runtimeEvents: cfg.RuntimeEvents,
		emitDecorator: cfg.EmitDecorator,
		corsOrigin:    corsOrigin,
		maxBody:       maxBody,
		maxTrials:     maxTrials,
		maxDepth:      maxDepth,
		maxCount:      maxCount,
		maxNodes:      maxNodes,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/catalog", s.handleCatalog)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{run_id}/events", s.handleRunEvents)
	if s.eventStore != nil && s.bus != nil {
		mux.Handle("GET /api/runs/{run_id}/stream", sse.NewHandler(s.eventStore, s.bus))
	}
}

// Shutdown cancels background runs and waits for them to finish, or until
// ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startRun registers a background run, reporting false once Shutdown has
// been called.
func (s *Server) startRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.runs.Add(1)
	return true
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

// writeJSON encodes v before writing the header, so an unencodable value
// becomes a 500 instead of an empty response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("failed to encode response", "status", status, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"code":"ENCODE_ERROR","message":"response could not be encoded"}}`+"\n")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// apiError is the error envelope of every non-2xx response.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
