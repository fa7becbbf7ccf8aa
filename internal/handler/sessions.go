package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/gradeflow/internal/apperr"
	"github.com/pavelanni/gradeflow/internal/session"
)

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var in session.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.sessions.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var in session.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.sessions.Update(r.Context(), chi.URLParam(r, "sessionID"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAddStudents accepts {"students": [...]} or a bare array.
func (h *Handler) handleAddStudents(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		writeError(w, apperr.Validation("read body", nil))
		return
	}
	var in session.AddStudentsInput
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &in.Students)
	} else {
		err = json.Unmarshal(trimmed, &in)
	}
	if err != nil {
		writeError(w, apperr.Validation("invalid JSON body", map[string]string{"body": err.Error()}))
		return
	}
	students, err := h.sessions.AddStudents(r.Context(), chi.URLParam(r, "sessionID"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"students": students, "count": len(students)})
}

type sessionStatusResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Counts    any    `json:"counts"`
}

func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, counts, err := h.sessions.StatusCounts(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionStatusResponse{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Counts:    counts,
	})
}

func (h *Handler) handleSetSessionStatus(w http.ResponseWriter, r *http.Request) {
	var in session.StatusInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.sessions.SetStatus(r.Context(), chi.URLParam(r, "sessionID"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Retry(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.sessions.Logs(r.Context(), chi.URLParam(r, "sessionID"), queryInt(r, "limit", session.DefaultLogLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (h *Handler) handleAddLog(w http.ResponseWriter, r *http.Request) {
	var in session.LogInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	entry, err := h.sessions.AddLog(r.Context(), chi.URLParam(r, "sessionID"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleSessionsStatusCheck runs one poll batch and re-aggregates every
// active session.
func (h *Handler) handleSessionsStatusCheck(w http.ResponseWriter, r *http.Request) {
	summary, err := h.monitor.CheckAllPendingTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	rechecked, err := h.sessions.RecheckActiveSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":           summary,
		"sessionsRechecked": rechecked,
	})
}

func (h *Handler) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	view, err := h.sessions.Student(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleUpdateGrading(w http.ResponseWriter, r *http.Request) {
	var in session.GradingInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	st, err := h.sessions.UpdateStudentGrading(r.Context(), chi.URLParam(r, "studentID"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDispatch sends a student's exam PDF to the grading server.
func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeError(w, apperr.Validation("invalid multipart form", map[string]string{"body": err.Error()}))
		return
	}
	file, header, err := r.FormFile("pdf_file")
	if err != nil {
		writeError(w, apperr.Validation("pdf_file is required", map[string]string{"pdf_file": "required"}))
		return
	}
	defer file.Close()

	st, err := h.monitor.Dispatch(r.Context(), chi.URLParam(r, "studentID"), header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}
