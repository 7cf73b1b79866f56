// Package api exposes the HTTP producer and curation surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eunalunacho/Altify/internal/models"
	"github.com/eunalunacho/Altify/internal/ratelimit"
	"github.com/eunalunacho/Altify/internal/service"
	"github.com/eunalunacho/Altify/internal/telemetry"
)

// TaskService is the application surface the handlers call into.
type TaskService interface {
	Submit(ctx context.Context, item service.SubmitItem) (models.Task, error)
	SubmitMany(ctx context.Context, items []service.SubmitItem) ([]models.Task, error)
	Get(ctx context.Context, id int64) (models.Task, error)
	Finalize(ctx context.Context, items []service.FinalizeItem) ([]models.Task, error)
	Approve(ctx context.Context, id int64, finalText string, approved bool, selectedIndex *int) (models.Task, error)
}

// Server wires HTTP handlers for submission and curation.
type Server struct {
	svc      TaskService
	limiter  *ratelimit.Limiter
	maxBytes int64
	logger   *slog.Logger
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(svc TaskService, limiter *ratelimit.Limiter, maxImageBytes int64, logger *slog.Logger) *Server {
	return &Server{
		svc:      svc,
		limiter:  limiter,
		maxBytes: maxImageBytes,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks/upload", s.withRateLimit(s.handleSubmit))
	r.Post("/tasks/bulk-upload", s.withRateLimit(s.handleSubmitMany))
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Post("/tasks/finalize", s.handleFinalize)
	r.Patch("/tasks/{id}/approve", s.handleApprove)
	return r
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
			if err != nil {
				http.Error(w, "rate limit error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	item, err := s.readSubmitItem(r, "image", "context")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	task, err := s.svc.Submit(r.Context(), item)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleSubmitMany(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		http.Error(w, "at least one image is required", http.StatusBadRequest)
		return
	}
	contexts := r.MultipartForm.Value["contexts"]

	items := make([]service.SubmitItem, 0, len(files))
	for i, header := range files {
		data, contentType, err := readPart(header, s.maxBytes)
		if err != nil {
			http.Error(w, fmt.Sprintf("image %d: %v", i, err), http.StatusBadRequest)
			return
		}
		item := service.SubmitItem{
			Image:       data,
			Filename:    header.Filename,
			ContentType: contentType,
		}
		if i < len(contexts) {
			item.Context = contexts[i]
		}
		items = append(items, item)
	}

	tasks, err := s.svc.SubmitMany(r.Context(), items)
	if err != nil {
		// Tasks committed before the failure are reported so the caller
		// knows what went through.
		s.logger.Warn("bulk submit aborted", "accepted", len(tasks), "error", err)
		writeJSON(w, statusFor(err), map[string]any{
			"tasks": tasks,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	task, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []service.FinalizeItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tasks, err := s.svc.Finalize(r.Context(), req.Items)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	var req struct {
		FinalText     string `json:"final_text"`
		Approved      *bool  `json:"approved"`
		SelectedIndex *int   `json:"selected_index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	approved := true
	if req.Approved != nil {
		approved = *req.Approved
	}
	task, err := s.svc.Approve(r.Context(), id, req.FinalText, approved, req.SelectedIndex)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) readSubmitItem(r *http.Request, imageField, contextField string) (service.SubmitItem, error) {
	if err := r.ParseMultipartForm(s.maxBytes); err != nil {
		return service.SubmitItem{}, errors.New("invalid multipart form")
	}
	files := r.MultipartForm.File[imageField]
	if len(files) == 0 {
		return service.SubmitItem{}, fmt.Errorf("%s file is required", imageField)
	}
	data, contentType, err := readPart(files[0], s.maxBytes)
	if err != nil {
		return service.SubmitItem{}, err
	}
	return service.SubmitItem{
		Image:       data,
		Filename:    files[0].Filename,
		ContentType: contentType,
		Context:     r.FormValue(contextField),
	}, nil
}

func readPart(header *multipart.FileHeader, maxBytes int64) ([]byte, string, error) {
	if maxBytes > 0 && header.Size > maxBytes {
		return nil, "", fmt.Errorf("file exceeds %d bytes", maxBytes)
	}
	f, err := header.Open()
	if err != nil {
		return nil, "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	return data, header.Header.Get("Content-Type"), nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
