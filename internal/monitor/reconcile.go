package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pavelanni/gradeflow/internal/apperr"
	"github.com/pavelanni/gradeflow/internal/i18n"
	"github.com/pavelanni/gradeflow/internal/model"
	"github.com/pavelanni/gradeflow/internal/store"
)

// Result describes the outcome of reconciling one student.
type Result struct {
	StudentID   string              `json:"studentId"`
	StudentName string              `json:"studentName"`
	SessionID   string              `json:"sessionId"`
	TaskID      string              `json:"taskId"`
	OldStatus   model.GradingStatus `json:"oldStatus"`
	NewStatus   model.GradingStatus `json:"newStatus"`
	Updated     bool                `json:"updated"`
	Error       string              `json:"error,omitempty"`
}

func newResult(st model.Student) Result {
	r := Result{
		StudentID:   st.ID,
		StudentName: st.Name,
		SessionID:   st.SessionID,
		OldStatus:   st.Status,
		NewStatus:   st.Status,
	}
	if st.TaskID != nil {
		r.TaskID = *st.TaskID
	}
	return r
}

// Reconcile polls the grading server for the student's task and applies the
// reported status. Fetch failures are returned without touching the student.
func (m *Monitor) Reconcile(ctx context.Context, st model.Student) (Result, error) {
	res := newResult(st)
	if res.TaskID == "" {
		err := apperr.Validation("student has no grading task", map[string]string{"taskId": "required"})
		res.Error = err.Error()
		return res, err
	}
	ts, err := m.client.FetchTaskStatus(ctx, res.TaskID)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	return m.apply(ctx, st, ts.Status, ts.Result, "poll")
}

// apply maps an external status onto the student and, when it changes,
// writes the new status with any grading payload in one transaction.
func (m *Monitor) apply(ctx context.Context, st model.Student, external string, payload json.RawMessage, source string) (Result, error) {
	res := newResult(st)
	next := model.MapExternalStatus(external, st.Status)
	if next == st.Status {
		return res, nil
	}

	var (
		out     *model.GradingOutput
		decoded bool
	)
	if next == model.GradingCompleted {
		var err error
		out, err = model.NormalizeResult(payload)
		if err != nil {
			slog.Warn("unrecognized grading payload", "task_id", res.TaskID, "error", err)
		}
		decoded = err == nil
	}

	changed := false
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		ok, err := tx.TransitionStudent(ctx, st.ID, st.Status, next, m.now())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		changed = true
		if next != model.GradingCompleted {
			return nil
		}
		if !decoded {
			if len(payload) > 0 && json.Valid(payload) {
				return tx.SetRawGradingOutput(ctx, st.ID, payload)
			}
			return nil
		}
		if out == nil {
			return nil
		}
		return persistOutput(ctx, tx, st.ID, out)
	})
	if err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("update student %s: %w", st.ID, err)
	}
	if !changed {
		slog.Debug("student changed concurrently", "student_id", st.ID, "expected", st.Status)
		return res, nil
	}

	res.NewStatus, res.Updated = next, true
	slog.Info("student status changed",
		"student_id", st.ID, "task_id", res.TaskID, "from", st.Status, "to", next, "source", source)
	m.recordTransition(ctx, st, res, out, source)
	return res, nil
}

func persistOutput(ctx context.Context, tx *store.Tx, studentID string, out *model.GradingOutput) error {
	if err := tx.SetRawGradingOutput(ctx, studentID, out.Raw); err != nil {
		return err
	}
	scores := make([]model.QuestionScore, 0, len(out.Sheet.Questions))
	var feedback []model.StudentFeedback
	for _, q := range out.Sheet.Questions {
		scores = append(scores, model.QuestionScore{QuestionID: q.QuestionID, Score: q.Score, MaxScore: q.MaxScore})
		if q.Feedback != "" {
			feedback = append(feedback, model.StudentFeedback{
				QuestionID: q.QuestionID,
				Feedback:   q.Feedback,
				Type:       model.FeedbackGeneral,
				Confidence: q.Confidence,
				Keywords:   q.Keywords,
			})
		}
	}
	if err := tx.ReplaceQuestionScores(ctx, studentID, scores); err != nil {
		return err
	}
	if err := tx.ReplaceFeedback(ctx, studentID, feedback); err != nil {
		return err
	}
	total, maxScore, pct := out.Sheet.Totals()
	return tx.SetStudentScores(ctx, studentID, total, maxScore, pct)
}

func (m *Monitor) recordTransition(ctx context.Context, st model.Student, res Result, out *model.GradingOutput, source string) {
	level := model.LogInfo
	switch res.NewStatus {
	case model.GradingCompleted:
		level = model.LogSuccess
	case model.GradingFailed:
		level = model.LogError
	}
	meta := map[string]any{"taskId": res.TaskID, "from": res.OldStatus, "to": res.NewStatus, "source": source}
	msg := i18n.Td(ctx, "StudentStatusChanged", map[string]any{
		"Name": st.Name, "From": res.OldStatus, "To": res.NewStatus,
	})
	if out != nil {
		total, maxScore, pct := out.Sheet.Totals()
		meta["totalScore"], meta["maxScore"], meta["percentage"] = total, maxScore, pct
		msg = i18n.Td(ctx, "StudentGraded", map[string]any{
			"Name":       st.Name,
			"Total":      fmt.Sprintf("%g", total),
			"Max":        fmt.Sprintf("%g", maxScore),
			"Percentage": fmt.Sprintf("%.1f", pct),
		})
	}
	metadata, _ := json.Marshal(meta)
	studentID := st.ID
	m.sessions.Record(ctx, model.SessionLog{
		SessionID: st.SessionID,
		StudentID: &studentID,
		Level:     level,
		Message:   msg,
		Context:   "grading",
		Metadata:  metadata,
	})
}
