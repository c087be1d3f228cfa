package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/example/chandra-ocr/worker-go/internal/model"
	"github.com/example/chandra-ocr/worker-go/internal/runtime"
	"github.com/example/chandra-ocr/worker-go/internal/store"
)

const defaultMaxBodyBytes = 64 << 20

type Server struct {
	Jobs       store.Store
	Dispatcher *runtime.Dispatcher
	// APIKey, when set, is required as a bearer token on job routes.
	APIKey         string
	RunsyncTimeout time.Duration
	MaxBodyBytes   int64
	Logger         *slog.Logger
}

func (s Server) Router() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.Logger))
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// The same routes answer bare and under the hosted API's
	// /v2/{endpointID} prefix so one base URL works for either.
	jobs := func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/run", s.handleRun)
		r.Post("/runsync", s.handleRunSync)
		r.Get("/status/{id}", s.handleStatus)
		r.Post("/cancel/{id}", s.handleCancel)
		r.Get("/health", s.handleHealth)
		r.Get("/jobs", s.handleListJobs)
	}
	r.Group(jobs)
	r.Route("/v2/{endpointID}", jobs)

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("took", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func (s Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.APIKey != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.APIKey)) != 1 {
				writeErr(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) createJob(w http.ResponseWriter, r *http.Request) (model.Job, bool) {
	limit := s.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	var req model.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return model.Job{}, false
	}
	if len(req.Input) == 0 || string(req.Input) == "null" {
		writeErr(w, http.StatusBadRequest, errors.New("missing 'input' in request body"))
		return model.Job{}, false
	}

	now := time.Now().UTC()
	job := model.Job{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    model.JobInQueue,
		InputJSON: string(req.Input),
	}
	if err := s.Jobs.CreateJob(r.Context(), job); err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("create job: %w", err))
		return model.Job{}, false
	}
	if s.Dispatcher != nil {
		s.Dispatcher.Notify()
	}
	return job, true
}

func (s Server) handleRun(w http.ResponseWriter, r *http.Request) {
	job, ok := s.createJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "status": job.Status})
}

func (s Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	job, ok := s.createJob(w, r)
	if !ok {
		return
	}
	if s.Dispatcher == nil {
		writeJSON(w, http.StatusOK, jobResponse(job))
		return
	}
	timeout := s.RunsyncTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	latest, err := s.Dispatcher.Wait(ctx, job.ID)
	switch {
	case err == nil, errors.Is(err, context.DeadlineExceeded):
		// On timeout the caller polls /status with the returned id.
		writeJSON(w, http.StatusOK, jobResponse(latest))
	case errors.Is(err, context.Canceled):
		return
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func (s Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (s Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "status": job.Status})
}

func (s Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Jobs.CountByStatus(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]any{
		"jobs": map[string]int{
			"inQueue":    counts[model.JobInQueue],
			"inProgress": counts[model.JobInProgress],
			"completed":  counts[model.JobCompleted],
			"failed":     counts[model.JobFailed],
			"cancelled":  counts[model.JobCancelled],
			"timedOut":   counts[model.JobTimedOut],
		},
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp["memory"] = map[string]any{
			"totalBytes":     vm.Total,
			"availableBytes": vm.Available,
			"usedPercent":    vm.UsedPercent,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status *model.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := model.JobStatus(strings.ToUpper(raw))
		switch parsed {
		case model.JobInQueue, model.JobInProgress, model.JobCompleted, model.JobFailed, model.JobCancelled, model.JobTimedOut:
			status = &parsed
		default:
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", raw))
			return
		}
	}
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		if value > maxListLimit {
			value = maxListLimit
		}
		limit = value
	}

	jobs, err := s.Jobs.ListJobs(r.Context(), status, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	items := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, jobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": items})
}

func jobResponse(job model.Job) map[string]any {
	resp := map[string]any{
		"id":     job.ID,
		"status": job.Status,
	}
	if job.StartedAt != nil {
		resp["delayTime"] = job.DelayTime().Milliseconds()
	}
	if job.FinishedAt != nil && job.StartedAt != nil {
		resp["executionTime"] = job.ExecutionTime().Milliseconds()
	}
	if job.OutputJSON != "" {
		resp["output"] = json.RawMessage(job.OutputJSON)
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return resp
}

func writeStoreErr(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrNotFound) {
		writeErr(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	writeErr(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
