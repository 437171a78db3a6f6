package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bdobrica/kioku/common/trace"
	"github.com/bdobrica/kioku/common/version"
	"github.com/bdobrica/kioku/internal/kioku/memory"
)

const (
	maxBodyBytes    = 1 << 20
	maxRecentTurns  = 1000
	traceHeader     = "X-Trace-ID"
	defaultRecentN  = 20
	shutdownTimeout = 5 * time.Second
)

// Service is the part of the synthesizer the HTTP API drives.
type Service interface {
	RecordTurn(ctx context.Context, userID, role, content string) (memory.Turn, error)
	GetContext(ctx context.Context, userID, query string) (memory.AssembledContext, error)
	Recent(ctx context.Context, userID string, n int) ([]memory.Turn, error)
}

// StatusInfo describes the running instance for GET /status.
type StatusInfo struct {
	Recency     string
	Semantic    string
	Embedder    string
	BacklogSize func() int
}

// Server exposes the memory API plus /health, /status and /metrics.
type Server struct {
	addr      string
	svc       Service
	status    StatusInfo
	metrics   http.Handler
	logger    *slog.Logger
	startedAt time.Time
	router    chi.Router
	server    *http.Server
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status string `json:"status"`
	version.Build
	StartedAt   time.Time `json:"started_at"`
	UptimeSecs  float64   `json:"uptime_seconds"`
	Recency     string    `json:"recency_backend"`
	Semantic    string    `json:"semantic_backend"`
	Embedder    string    `json:"embedding_provider"`
	BacklogSize int       `json:"reindex_backlog"`
}

type recordTurnRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contextRequest struct {
	Query string `json:"query"`
}

type recentResponse struct {
	Turns []memory.Turn `json:"turns"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewServer builds the router. metrics may be nil, in which case /metrics
// is not mounted. The server does not listen until Start.
func NewServer(addr string, svc Service, status StatusInfo, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      addr,
		svc:       svc,
		status:    status,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withTrace)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Post("/turns", s.handleRecordTurn)
		r.Get("/turns", s.handleRecent)
		r.Post("/context", s.handleContext)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler so the API can be exercised without a
// listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins listening in the background and returns once the listener
// is open. The server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http server: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	build := version.Current()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: build.Version,
		Commit:  build.Commit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Build:      version.Current(),
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Recency:    s.status.Recency,
		Semantic:   s.status.Semantic,
		Embedder:   s.status.Embedder,
	}
	if s.status.BacklogSize != nil {
		resp.BacklogSize = s.status.BacklogSize()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecordTurn(w http.ResponseWriter, r *http.Request) {
	var req recordTurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	turn, err := s.svc.RecordTurn(r.Context(), chi.URLParam(r, "userID"), req.Role, req.Content)
	if err != nil {
		s.fail(w, r, "record turn", err)
		return
	}
	writeJSON(w, http.StatusCreated, turn)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	out, err := s.svc.GetContext(r.Context(), chi.URLParam(r, "userID"), req.Query)
	if err != nil {
		s.fail(w, r, "get context", err)
		return
	}
	if out.Messages == nil {
		out.Messages = []memory.ContextMessage{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	n := defaultRecentN
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxRecentTurns {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("n must be between 1 and %d", maxRecentTurns))
			return
		}
		n = v
	}
	userID := chi.URLParam(r, "userID")
	turns, err := s.svc.Recent(r.Context(), userID, n)
	if err != nil {
		s.fail(w, r, "recent turns", err)
		return
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	writeJSON(w, http.StatusOK, recentResponse{Turns: turns})
}

// fail maps err onto an HTTP status and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("http: "+op+" failed",
			"user_id", chi.URLParam(r, "userID"),
			"trace_id", trace.FromContext(r.Context()),
			"status", status,
			"err", err,
		)
	}
	writeError(w, status, code, err.Error())
}

// statusFor maps the memory error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, memory.ErrInvalidTurn):
		return http.StatusBadRequest, "invalid_turn"
	case errors.Is(err, memory.ErrDimensionMismatch):
		return http.StatusInternalServerError, "dimension_mismatch"
	case errors.Is(err, memory.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, memory.ErrProviderError):
		return http.StatusBadGateway, "provider_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// withTrace tags each request with a trace ID, taken from X-Trace-ID when
// the caller sent one.
func withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(traceHeader); id != "" {
			ctx = trace.WithTraceID(ctx, id)
		}
		ctx, id := trace.Ensure(ctx)
		w.Header().Set(traceHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("http: failed to encode JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, Code: errCode})
}
