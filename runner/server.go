package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/nanoclaw/dispatch"
	"github.com/c360studio/nanoclaw/runs"
)

// RunnerSecretHeader gates the run management API.
const RunnerSecretHeader = "x-ops-runner-secret"

// maxDispatchBody bounds the /dispatch request body.
const maxDispatchBody = 8 * 1024 * 1024

// Server is the runner HTTP service.
type Server struct {
	cfg      Config
	executor *Executor
	registry *runs.Registry
	logger   *slog.Logger
	httpSrv  *http.Server
}

// NewServer wires the runner service.
func NewServer(cfg Config, executor *Executor, registry *runs.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		executor: executor,
		registry: registry,
		logger:   logger.With(slog.String("component", "runner-http")),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /dispatch", s.handleDispatch)
	mux.HandleFunc("GET /runs", s.withRunnerSecret(s.handleListRuns))
	mux.HandleFunc("GET /runs/{id}", s.withRunnerSecret(s.handleGetRun))
	mux.HandleFunc("POST /runs/{id}/cancel", s.withRunnerSecret(s.handleCancelRun))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ListenAndServe blocks until the context ends or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("runner listening", slog.String("addr", s.cfg.Addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDispatch verifies the HMAC envelope and executes the batch.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDispatchBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if s.cfg.DispatchSecret != "" {
		ts := r.Header.Get(dispatch.HeaderSignatureTS)
		sig := r.Header.Get(dispatch.HeaderSignature)
		if ts == "" || sig == "" || !dispatch.VerifySignature(s.cfg.DispatchSecret, ts, body, sig) {
			s.logger.Warn("dispatch signature verification failed",
				slog.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var env dispatch.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}
	if env.Event != dispatch.EventApprovedActions {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported event %q", env.Event))
		return
	}

	s.logger.Info("dispatch accepted",
		slog.String("dispatch_id", env.DispatchID),
		slog.Int("actions", len(env.Actions)))

	results := s.executor.Execute(r.Context(), env)
	success := true
	for i := range results {
		if results[i].Status != dispatch.StatusOK {
			success = false
			break
		}
	}
	writeJSON(w, http.StatusOK, dispatch.Response{
		Success:    success,
		DispatchID: env.DispatchID,
		Results:    results,
	})
}

func (s *Server) withRunnerSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RunnerSecret == "" || r.Header.Get(RunnerSecretHeader) != s.cfg.RunnerSecret {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := runs.MaxListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	list, err := s.registry.List(limit)
	if err != nil {
		s.logger.Error("list runs failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.registry.Get(r.PathValue("id"))
	if errors.Is(err, runs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.registry.Cancel(r.PathValue("id"))
	if errors.Is(err, runs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("cancel failed", slog.String("run_id", r.PathValue("id")), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
