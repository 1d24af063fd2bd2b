package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/JakeFAU/linksniff/internal/auth"
	"github.com/JakeFAU/linksniff/internal/config"
	"github.com/JakeFAU/linksniff/internal/logging"
	"github.com/JakeFAU/linksniff/internal/metrics"
	"github.com/JakeFAU/linksniff/internal/process"
	"github.com/JakeFAU/linksniff/internal/task"
)

const requestTimeout = 60 * time.Second

// TaskService is the queue surface the handlers call.
type TaskService interface {
	List(ctx context.Context) ([]task.Task, error)
	Get(ctx context.Context, id int64) (task.Task, error)
	Enqueue(ctx context.Context, script, url string) (int64, error)
	EnqueueURL(ctx context.Context, url string) (int64, string, error)
	Requeue(ctx context.Context, id int64) error
	ClearCompleted(ctx context.Context) (int64, error)
	ClearAll(ctx context.Context) (int64, error)
	Compact(ctx context.Context) error
	Concurrency() int
	SetConcurrency(n int) error
	UpdateTool(ctx context.Context) (process.Result, error)
}

// Server wires HTTP handlers to the task service.
type Server struct {
	router chi.Router
	svc    TaskService
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc TaskService, authCfg config.AuthConfig, logger *zap.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logging.OrNop(logger),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if authCfg.Enabled {
			r.Use(apiKeyMiddleware(authCfg, s.logger))
		}
		// The update command may outlive the request timeout.
		r.Post("/update_ytdlp", s.updateTool)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/jobs", s.listJobs)
			r.Get("/jobs/{id}", s.getJob)
			r.Post("/add", s.addJob)
			r.Post("/requeue/{id}", s.requeueJob)
			r.Post("/clear_completed", s.clearCompleted)
			r.Post("/clear_all", s.clearAll)
			r.Post("/set_concurrency", s.setConcurrency)
			r.Post("/compact", s.compact)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listJobs handles GET /jobs?status=. It returns every task newest first
// together with the current concurrency ceiling.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var filter task.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, err := task.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = st
	}
	tasks, err := s.svc.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jobs := make([]jobDTO, 0, len(tasks))
	for _, t := range tasks {
		if filter != "" && t.Status != filter {
			continue
		}
		jobs = append(jobs, toJobDTO(t, false))
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Concurrency: s.svc.Concurrency()})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	t, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(t, true))
}

func (s *Server) addJob(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}

	var (
		id     int64
		script = strings.TrimSpace(req.Script)
		err    error
	)
	if script == "" {
		id, script, err = s.svc.EnqueueURL(r.Context(), req.URL)
	} else {
		id, err = s.svc.Enqueue(r.Context(), script, req.URL)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, addResponse{ID: id, Script: script})
}

func (s *Server) requeueJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Requeue(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearCompleted(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.ClearCompleted(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearAll(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.ClearAll(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Concurrency == nil {
		writeError(w, http.StatusBadRequest, "concurrency required")
		return
	}
	if err := s.svc.SetConcurrency(*req.Concurrency); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) compact(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Compact(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateTool(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.UpdateTool(r.Context())
	if err != nil {
		s.logger.Error("update command failed", zap.Error(err), zap.String("request_id", requestID(r.Context())))
		writeJSON(w, http.StatusInternalServerError, updateResponse{
			Success:  false,
			ExitCode: res.ExitCode,
			Output:   res.Output,
			Error:    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{
		Success:  res.ExitCode == 0,
		ExitCode: res.ExitCode,
		Output:   res.Output,
	})
}

// fail maps service errors onto status codes. Unexpected errors are logged
// and hidden from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrNotFailed):
		writeError(w, http.StatusBadRequest, "only failed tasks can be requeued")
	case errors.Is(err, task.ErrUnknownScript),
		errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, task.ErrInvalidConcurrency):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

type jobDTO struct {
	ID     int64   `json:"id"`
	Script string  `json:"script"`
	URL    string  `json:"url"`
	Status string  `json:"status"`
	Added  string  `json:"added"`
	Start  *string `json:"start"`
	End    *string `json:"end"`
	Log    *string `json:"log,omitempty"`
}

func toJobDTO(t task.Task, withLog bool) jobDTO {
	dto := jobDTO{
		ID:     t.ID,
		Script: t.Script,
		URL:    t.URL,
		Status: string(t.Status),
		Added:  task.FormatTime(t.Added),
		Start:  formatOptional(t.Started),
		End:    formatOptional(t.Ended),
	}
	if withLog {
		dto.Log = t.Log
	}
	return dto
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := task.FormatTime(*t)
	return &s
}

type listResponse struct {
	Jobs        []jobDTO `json:"jobs"`
	Concurrency int      `json:"concurrency"`
}

type addRequest struct {
	URL    string `json:"url"`
	Script string `json:"script"`
}

type addResponse struct {
	ID     int64  `json:"id"`
	Script string `json:"script"`
}

type concurrencyRequest struct {
	Concurrency *int `json:"concurrency"`
}

type updateResponse struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// apiKeyMiddleware accepts a bearer token when a JWT secret is configured,
// otherwise the key from the X-API-Key header or the api_key query
// parameter. A configured bcrypt hash wins over the plain key.
func apiKeyMiddleware(cfg config.AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	hash := []byte(cfg.APIKeyHash)
	expected := []byte(cfg.APIKey)
	valid := func(key string) bool {
		if key == "" {
			return false
		}
		if len(hash) > 0 {
			return bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil
		}
		if len(expected) == 0 {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(key), expected) == 1
	}
	var tokens *auth.TokenManager
	if cfg.JWTSecret != "" {
		tokens, _ = auth.NewTokenManager(cfg.JWTSecret)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && tokens != nil {
				subject, err := tokens.Verify(strings.TrimSpace(bearer))
				if err != nil {
					logger.Debug("bearer token rejected", zap.Error(err))
					writeError(w, http.StatusForbidden, "unauthorized")
					return
				}
				logger.Debug("bearer token accepted", zap.String("subject", subject), zap.String("request_id", requestID(r.Context())))
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if !valid(key) {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
