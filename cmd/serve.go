package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/jobs"
	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/reconcile"
	"github.com/sells-group/catalog-cli/internal/resilience"
	"github.com/sells-group/catalog-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env.Orchestrator, env.Reconciler, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiServer exposes the orchestrator and reconciliation engine over HTTP.
type apiServer struct {
	jobs     *jobs.Orchestrator
	recon    *reconcile.Engine
	validate *validator.Validate
}

type startJobRequest struct {
	Collection string            `json:"collection" validate:"required"`
	Records    []model.RecordRef `json:"records" validate:"required,min=1,max=1000"`
}

type retryJobsRequest struct {
	Collection string `json:"collection" validate:"required"`
	ErrorType  string `json:"error_type" validate:"omitempty,oneof=transient permanent"`
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// buildRouter wires the job control routes.
func buildRouter(orch *jobs.Orchestrator, recon *reconcile.Engine, origins []string) http.Handler {
	a := &apiServer{
		jobs:     orch,
		recon:    recon,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.startJob)
		r.Get("/", a.listJobs)
		r.Post("/retry", a.retryJobs)
		r.Get("/{id}", a.getJob)
		r.Post("/{id}/cancel", a.cancelJob)
		r.Get("/{id}/events", a.jobEvents)
	})
	r.Get("/dlq", a.listDLQ)
	r.Post("/reconcile", a.reconcile)
	r.Post("/rules/reload", a.reloadRules)

	return r
}

func (a *apiServer) startJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if !a.decode(w, r, &req) {
		return
	}
	id, err := a.jobs.StartJob(r.Context(), req.Collection, req.Records)
	switch {
	case errors.Is(err, jobs.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, jobs.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"status": string(model.JobStatusQueued),
	})
}

func (a *apiServer) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, jobErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *apiServer) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Collection: q.Get("collection"),
		Status:     model.JobStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, eris.Errorf("invalid limit %q", v))
			return
		}
		filter.Limit = n
	}
	list, err := a.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []model.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// retryJobs resubmits the collection's dead-lettered records as a new job.
func (a *apiServer) retryJobs(w http.ResponseWriter, r *http.Request) {
	var req retryJobsRequest
	if !a.decode(w, r, &req) {
		return
	}
	id, n, err := a.jobs.RetryDLQ(r.Context(), req.Collection, req.ErrorType)
	switch {
	case errors.Is(err, jobs.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, jobs.ErrClosed), errors.Is(err, jobs.ErrNoDLQ):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if n == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"records": 0})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  id,
		"status":  string(model.JobStatusQueued),
		"records": n,
	})
}

func (a *apiServer) listDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := resilience.DLQFilter{
		Collection: q.Get("collection"),
		ErrorType:  q.Get("error_type"),
		Due:        q.Get("due") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, eris.Errorf("invalid limit %q", v))
			return
		}
		filter.Limit = n
	}
	entries, err := a.jobs.ListDLQ(r.Context(), filter)
	switch {
	case errors.Is(err, jobs.ErrNoDLQ):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []resilience.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *apiServer) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.jobs.CancelJob(r.Context(), id); err != nil {
		writeError(w, jobErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": id,
		"status": string(model.JobStatusCancelled),
	})
}

// jobEvents streams a job's events as server-sent events until the job
// finishes or the client goes away. A job no longer held in memory gets a
// single event with its stored state.
func (a *apiServer) jobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, eris.New("streaming not supported"))
		return
	}

	events, unsubscribe, err := a.jobs.Subscribe(id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		job, gerr := a.jobs.GetJob(r.Context(), id)
		if gerr != nil {
			writeError(w, jobErrorStatus(gerr), gerr)
			return
		}
		startStream(w)
		_ = writeEvent(w, jobs.Event{Type: jobs.EventJob, Job: *job})
		flusher.Flush()
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer unsubscribe()

	startStream(w)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				zap.L().Debug("serve: event stream closed", zap.String("job_id", id), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func (a *apiServer) reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcile.Request
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.recon.Reconcile(r.Context(), req)
	switch {
	case errors.Is(err, reconcile.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *apiServer) reloadRules(w http.ResponseWriter, r *http.Request) {
	set, err := a.jobs.ReloadRules(r.Context())
	switch {
	case errors.Is(err, jobs.ErrJobsRunning):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":    set.Counts(),
		"loaded_at": set.LoadedAt(),
	})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (a *apiServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "invalid request body"))
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func jobErrorStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("serve: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		zap.L().Error("serve: request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, ev jobs.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "marshal event")
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return eris.Wrap(err, "write event")
	}
	return nil
}

// requestLogger logs each request with zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("serve: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
