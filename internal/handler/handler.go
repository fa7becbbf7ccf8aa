package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/gradeflow/internal/apperr"
	"github.com/pavelanni/gradeflow/internal/grading"
	"github.com/pavelanni/gradeflow/internal/monitor"
	"github.com/pavelanni/gradeflow/internal/session"
)

const (
	maxJSONBody   = 4 << 20
	maxUploadBody = 64 << 20
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	sessions *session.Service
	monitor  *monitor.Monitor
	grading  *grading.Client
}

// New creates a new Handler.
func New(sessions *session.Service, mon *monitor.Monitor, client *grading.Client) *Handler {
	return &Handler{sessions: sessions, monitor: mon, grading: client}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.handleListSessions)
		r.Post("/sessions", h.handleCreateSession)
		r.Post("/sessions/status-check", h.handleSessionsStatusCheck)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Put("/", h.handleUpdateSession)
			r.Patch("/", h.handleUpdateSession)
			r.Delete("/", h.handleDeleteSession)
			r.Post("/students", h.handleAddStudents)
			r.Get("/status", h.handleSessionStatus)
			r.Patch("/status", h.handleSetSessionStatus)
			r.Post("/retry", h.handleRetry)
			r.Get("/logs", h.handleListLogs)
			r.Post("/logs", h.handleAddLog)
		})

		r.Get("/students/{studentID}", h.handleGetStudent)
		r.Patch("/students/{studentID}/grading", h.handleUpdateGrading)
		r.Post("/students/{studentID}/dispatch", h.handleDispatch)

		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Get("/check", h.handleCheckTask)
			r.Post("/check", h.handleCheckTask)
			r.Post("/update-status", h.handleTaskUpdate)
			r.Get("/student", h.handleTaskStudent)
			r.Get("/logs", h.handleTaskLogs)
			r.Get("/verify-results", h.handleVerifyResults)
		})

		r.Get("/cron/status-check", h.handleCronStatusCheck)
		r.Post("/cron/status-check", h.handleCronStatusCheck)
		r.Get("/monitoring/stats", h.handleMonitoringStats)

		r.Post("/grade/upload", h.handleGradeUpload)
		r.Get("/grade/status/{taskID}", h.handleGradeStatus)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Store().Ping(r.Context()); err != nil {
		writeError(w, apperr.Persistence("database unreachable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"gradingServer": h.grading.Configured(),
		"watching":      h.monitor.Watching(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// writeError renders err as {error, details?} with the status its kind maps to.
// Messages of unexpected failures are not shown to clients.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: err.Error()}

	var e *apperr.Error
	if errors.As(err, &e) {
		body.Details = e.Details
		switch e.Kind {
		case apperr.KindRemote:
			body.Error = e.Message
			if e.Body != "" {
				body.Details = e.Body
			}
		case apperr.KindPersistence, apperr.KindInternal:
			body.Error = "internal server error"
		}
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
		if e == nil {
			body.Error = "internal server error"
		}
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty", nil)
		}
		return apperr.Validation("invalid JSON body", map[string]string{"body": err.Error()})
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
