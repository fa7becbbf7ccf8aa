package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pavelanni/gradeflow/internal/apperr"
	"github.com/pavelanni/gradeflow/internal/i18n"
	"github.com/pavelanni/gradeflow/internal/model"
)

// Dispatch uploads a student's exam PDF with the session rubric to the
// grading server and stores the returned task id on the student.
func (m *Monitor) Dispatch(ctx context.Context, studentID, fileName string, pdf io.Reader) (*model.Student, error) {
	st, err := m.store.GetStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	sess, err := m.store.GetSession(ctx, st.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.Active() {
		return nil, apperr.Conflict("session %s is %s", sess.ID, sess.Status)
	}
	if st.Status != model.GradingPending {
		return nil, apperr.Conflict("student %s is %s", st.ID, st.Status)
	}
	if fileName == "" {
		fileName = st.FileName
	}

	res, err := m.client.Dispatch(ctx, fileName, pdf, sess.Rubric)
	if err != nil {
		return nil, err
	}
	if err := m.store.AssignTask(ctx, st.ID, res.TaskID); err != nil {
		return nil, fmt.Errorf("store task id: %w", err)
	}
	slog.Info("grading task dispatched", "student_id", st.ID, "task_id", res.TaskID)
	m.sessions.Record(ctx, model.SessionLog{
		SessionID: st.SessionID,
		StudentID: &st.ID,
		Level:     model.LogInfo,
		Message:   i18n.Td(ctx, "TaskDispatched", map[string]any{"TaskID": res.TaskID, "Name": st.Name}),
		Context:   "dispatch",
	})
	if m.cfg.WatchDispatched {
		m.Watch(res.TaskID)
	}
	return m.store.GetStudent(ctx, st.ID)
}
