// Package httpapi is the sandboxd HTTP gateway. It authenticates requests
// and maps them onto lifecycle operations. Every operation endpoint answers
// 200 with either a result or an {"error": ...} payload; only
// authentication failures use other status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jxucoder/sandboxd/internal/metrics"
	"github.com/jxucoder/sandboxd/internal/orchestrator"
	"github.com/jxucoder/sandboxd/pkg/eventbus"
	"github.com/jxucoder/sandboxd/pkg/model"
	"github.com/jxucoder/sandboxd/pkg/store"
	"github.com/jxucoder/sandboxd/pkg/supervisor"
)

// Lifecycle is the set of operations the gateway exposes.
// *orchestrator.Orchestrator implements it.
type Lifecycle interface {
	Create(ctx context.Context, repo, credential string) (*model.Sandbox, error)
	Pause(ctx context.Context, sandboxID string) (*model.Snapshot, error)
	Resume(ctx context.Context, snapshotID string) (*model.Sandbox, error)
	Terminate(ctx context.Context, sandboxID string) orchestrator.TerminateResult
	Status(ctx context.Context, sandboxID string) orchestrator.StatusResult
	Logs(ctx context.Context, sandboxID string) (*supervisor.Diagnostics, error)
	History(ctx context.Context, sandboxID string) (*orchestrator.History, error)
}

var _ Lifecycle = (*orchestrator.Orchestrator)(nil)

// Options configures a Server.
type Options struct {
	// APISecret is the shared bearer token. Empty disables authentication.
	APISecret string
	// RequestTimeout bounds ledger reads. Zero means 5 minutes.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	ops    Lifecycle
	events store.Store // may be nil
	bus    eventbus.Bus
	auth   *Authenticator
	opts   Options
	logger *slog.Logger
	router chi.Router
}

// New creates a Server. events and bus back the event stream endpoint and
// may be nil.
func New(ops Lifecycle, events store.Store, bus eventbus.Bus, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		ops:    ops,
		events: events,
		bus:    bus,
		auth:   NewAuthenticator(opts.APISecret),
		opts:   opts,
		logger: opts.Logger.With("component", "httpapi"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if !s.auth.Enabled() {
		s.logger.Warn("no API secret configured, requests are not authenticated")
	}
	s.logger.Info("sandboxd listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		// Operations run detached from the request and are bounded by their
		// own steps, not the request timeout.
		r.Post("/create", s.handleCreate)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/terminate", s.handleTerminate)
		r.Post("/status", s.handleStatus)
		r.Post("/logs", s.handleLogs)

		r.With(middleware.Timeout(s.opts.RequestTimeout)).Get("/sandboxes/{id}", s.handleHistory)

		// Streams are long-lived and not subject to the request timeout.
		r.Get("/sandboxes/{id}/events", s.handleEvents)
	})

	return r
}

// --- Request/Response types ---

type createRequest struct {
	Repo string `json:"repo"`
	PAT  string `json:"pat"`
}

type createResponse struct {
	SandboxID  string `json:"sandboxId"`
	TunnelURL  string `json:"tunnelUrl"`
	BranchName string `json:"branchName"`
}

type sandboxRequest struct {
	SandboxID string `json:"sandboxId"`
}

type pauseResponse struct {
	SnapshotID string `json:"snapshotId"`
}

type resumeRequest struct {
	SnapshotID string `json:"snapshotId"`
}

type resumeResponse struct {
	SandboxID string `json:"sandboxId"`
	TunnelURL string `json:"tunnelUrl"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Parameter errors.
const (
	msgMissingCreate   = "Missing repo or pat parameter"
	msgMissingSandbox  = "Missing sandboxId parameter"
	msgMissingSnapshot = "Missing snapshotId parameter"
	msgInvalidBody     = "invalid request body"
)

// --- Handlers ---

// detach keeps request values but drops cancellation: lifecycle operations
// run to completion even if the client goes away.
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.InfoContext(r.Context(), "create requested",
		"request_id", middleware.GetReqID(r.Context()),
		"repo", req.Repo, "pat_present", req.PAT != "")
	if req.Repo == "" || req.PAT == "" {
		writeError(w, http.StatusOK, msgMissingCreate)
		return
	}

	sb, err := s.ops.Create(detach(r), req.Repo, req.PAT)
	if err != nil {
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, createResponse{
		SandboxID:  sb.ID,
		TunnelURL:  sb.TunnelURL,
		BranchName: sb.Branch,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sandboxID(w, r)
	if !ok {
		return
	}
	snap, err := s.ops.Pause(detach(r), id)
	if err != nil {
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pauseResponse{SnapshotID: snap.ID})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SnapshotID == "" {
		writeError(w, http.StatusOK, msgMissingSnapshot)
		return
	}
	sb, err := s.ops.Resume(detach(r), req.SnapshotID)
	if err != nil {
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resumeResponse{SandboxID: sb.ID, TunnelURL: sb.TunnelURL})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sandboxID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.ops.Terminate(detach(r), id))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sandboxID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.ops.Status(detach(r), id))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sandboxID(w, r)
	if !ok {
		return
	}
	d, err := s.ops.Logs(detach(r), id)
	if err != nil {
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h, err := s.ops.History(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "loading history", "sandbox_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.events == nil || s.bus == nil {
		writeError(w, http.StatusNotImplemented, "event stream not available")
		return
	}
	if _, err := s.events.GetSandbox(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before reading history so no transition falls in between.
	ch := s.bus.Subscribe(id)
	defer s.bus.Unsubscribe(id, ch)

	last, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)
	events, err := s.events.GetEvents(r.Context(), id, last)
	if err != nil {
		s.logger.WarnContext(r.Context(), "loading events", "sandbox_id", id, "error", err)
	}
	done := false
	for _, e := range events {
		writeSSE(w, e)
		last = e.ID
		done = done || endsStream(e.To)
	}
	flusher.Flush()
	if done {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.ID != 0 && e.ID <= last {
				continue
			}
			writeSSE(w, e)
			flusher.Flush()
			if e.ID != 0 {
				last = e.ID
			}
			if endsStream(e.To) {
				return
			}
		}
	}
}

// --- Helpers ---

// endsStream reports whether no further events can follow state on the same
// handle. A paused handle is gone; its resume gets a new id.
func endsStream(state model.State) bool {
	return state.Terminal() || state == model.StatePaused
}

func (s *Server) sandboxID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req sandboxRequest
	if !s.decode(w, r, &req) {
		return "", false
	}
	if req.SandboxID == "" {
		writeError(w, http.StatusOK, msgMissingSandbox)
		return "", false
	}
	return req.SandboxID, true
}

// decode reads a JSON body strictly: unknown fields are rejected.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.logger.DebugContext(r.Context(), "rejecting request body", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusOK, msgInvalidBody)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, event *model.Event) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.To, data)
}
