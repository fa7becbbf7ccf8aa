package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/gradeflow/internal/apperr"
	"github.com/pavelanni/gradeflow/internal/model"
	"github.com/pavelanni/gradeflow/internal/monitor"
	"github.com/pavelanni/gradeflow/internal/session"
)

// handleCheckTask reconciles one task on demand. Failures other than an
// unknown task are reported in the body with status ERROR.
func (h *Handler) handleCheckTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	res, err := h.monitor.CheckTask(r.Context(), taskID)
	if apperr.Is(err, apperr.KindNotFound) {
		writeError(w, err)
		return
	}
	body := map[string]any{
		"message":   "Task status checked",
		"timestamp": time.Now().UTC(),
		"result":    res,
	}
	if err != nil {
		body["status"] = "ERROR"
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleTaskUpdate applies a status report pushed by the grading server.
func (h *Handler) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var u monitor.PushedUpdate
	if err := decodeJSON(r, &u); err != nil {
		writeError(w, err)
		return
	}
	if u.Status == "" {
		writeError(w, apperr.Validation("status is required", map[string]string{"status": "required"}))
		return
	}
	res, err := h.monitor.ApplyUpdate(r.Context(), chi.URLParam(r, "taskID"), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": res})
}

func (h *Handler) handleTaskStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.Store().GetStudentByTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.sessions.Student(r.Context(), st.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := h.sessions.Store().GetStudentByTask(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", session.DefaultLogLimit)
	switch {
	case limit <= 0:
		limit = session.DefaultLogLimit
	case limit > session.MaxLogLimit:
		limit = session.MaxLogLimit
	}
	logs, err := h.sessions.Store().ListStudentLogs(ctx, st.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []model.SessionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"studentId": st.ID, "logs": logs})
}

type verifiedStudent struct {
	ID               string              `json:"id"`
	Name             string              `json:"studentName"`
	StudentNumber    string              `json:"studentId,omitempty"`
	Status           model.GradingStatus `json:"status"`
	GradedAt         *time.Time          `json:"gradedAt,omitempty"`
	SessionID        string              `json:"sessionId"`
	HasRawOutput     bool                `json:"hasRawGradingOutput"`
	RawGradingOutput json.RawMessage     `json:"rawGradingOutput,omitempty"`
}

// handleVerifyResults shows what is stored for a task without contacting
// the grading server.
func (h *Handler) handleVerifyResults(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	st, err := h.sessions.Store().GetStudentByTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId": taskID,
		"student": verifiedStudent{
			ID:               st.ID,
			Name:             st.Name,
			StudentNumber:    st.StudentNumber,
			Status:           st.Status,
			GradedAt:         st.GradedAt,
			SessionID:        st.SessionID,
			HasRawOutput:     len(st.RawGradingOutput) > 0,
			RawGradingOutput: st.RawGradingOutput,
		},
	})
}

// handleCronStatusCheck is the endpoint an external scheduler hits.
func (h *Handler) handleCronStatusCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	summary, err := h.monitor.CheckAllPendingTasks(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.monitor.Stats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Status check completed",
		"timestamp": time.Now().UTC(),
		"summary":   summary,
		"stats":     stats,
	})
}

func (h *Handler) handleMonitoringStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.monitor.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC(),
		"stats":     stats,
	})
}

// handleGradeUpload validates a grading upload and forwards the original
// multipart body to the grading server unchanged.
func (h *Handler) handleGradeUpload(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBody))
	if err != nil {
		writeError(w, apperr.Validation("request body too large", nil))
		return
	}
	contentType := r.Header.Get("Content-Type")

	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeError(w, apperr.Validation("invalid multipart form", map[string]string{"body": err.Error()}))
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if _, _, err := r.FormFile("pdf_file"); err != nil {
		writeError(w, apperr.Validation("pdf_file is required", map[string]string{"pdf_file": "required"}))
		return
	}
	guide := r.FormValue("grading_guide_json_str")
	if guide == "" {
		writeError(w, apperr.Validation("grading_guide_json_str is required",
			map[string]string{"grading_guide_json_str": "required"}))
		return
	}
	if !json.Valid([]byte(guide)) {
		writeError(w, apperr.Validation("grading_guide_json_str must be valid JSON",
			map[string]string{"grading_guide_json_str": "json"}))
		return
	}

	status, body, err := h.grading.ForwardUpload(r.Context(), bytes.NewReader(raw), contentType)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// handleGradeStatus relays the grading server's status document for a task.
func (h *Handler) handleGradeStatus(w http.ResponseWriter, r *http.Request) {
	body, err := h.grading.FetchRawStatus(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
