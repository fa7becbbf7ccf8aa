// Package session manages grading sessions and their students: CRUD, the
// session status aggregator, statistics, retries and the audit log.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/gradeflow/internal/apperr"
	"github.com/pavelanni/gradeflow/internal/i18n"
	"github.com/pavelanni/gradeflow/internal/model"
	"github.com/pavelanni/gradeflow/internal/store"
)

const (
	DefaultUserEmail = "default@example.com"
	defaultUserName  = "Default User"

	sessionListLimit = 50
	viewLogLimit     = 100
	DefaultLogLimit  = 100
	MaxLogLimit      = 500
)

// Service implements session operations on top of the store.
type Service struct {
	store     *store.Store
	validate  *validator.Validate
	userEmail string
	now       func() time.Time
}

// New creates a session service. Sessions are owned by the user with
// userEmail, which is created on first use.
func New(st *store.Store, userEmail string) *Service {
	if userEmail == "" {
		userEmail = DefaultUserEmail
	}
	return &Service{
		store:     st,
		validate:  newValidator(),
		userEmail: userEmail,
		now:       time.Now,
	}
}

// Store returns the underlying store.
func (s *Service) Store() *store.Store {
	return s.store
}

// DefaultUser returns the owner of all sessions.
func (s *Service) DefaultUser(ctx context.Context) (*model.User, error) {
	return s.store.EnsureUser(ctx, s.userEmail, defaultUserName)
}

// Create validates in and stores a new PENDING session.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.GradingSession, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	u, err := s.DefaultUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("default user: %w", err)
	}
	sess := &model.GradingSession{
		UserID:      u.ID,
		Title:       in.Title,
		Subject:     in.Subject,
		ExamYear:    in.ExamYear,
		NumStudents: in.NumStudents,
		Rubric:      in.GradingRubric,
		Status:      model.SessionPending,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	slog.Info("session created", "session_id", sess.ID, "title", sess.Title)
	s.Record(ctx, model.SessionLog{
		SessionID: sess.ID,
		UserID:    &u.ID,
		Level:     model.LogInfo,
		Message:   i18n.Td(ctx, "SessionCreated", map[string]any{"Title": sess.Title}),
		Context:   "session",
	})
	return sess, nil
}

// Get returns a session with its students and newest logs.
func (s *Service) Get(ctx context.Context, id string) (*model.SessionView, error) {
	return s.store.GetSessionView(ctx, id, viewLogLimit)
}

// List returns the newest sessions of the default user.
func (s *Service) List(ctx context.Context) ([]model.SessionSummary, error) {
	u, err := s.DefaultUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("default user: %w", err)
	}
	list, err := s.store.ListSessions(ctx, u.ID, sessionListLimit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []model.SessionSummary{}
	}
	return list, nil
}

// Update changes the editable fields of a session.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*model.GradingSession, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	var out *model.GradingSession
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if in.Title != nil {
			sess.Title = *in.Title
		}
		if in.Subject != nil {
			sess.Subject = *in.Subject
		}
		if in.ExamYear != nil {
			sess.ExamYear = *in.ExamYear
		}
		if in.NumStudents != nil {
			sess.NumStudents = *in.NumStudents
		}
		if in.GradingRubric != nil {
			sess.Rubric = *in.GradingRubric
		}
		if err := tx.UpdateSessionDetails(ctx, *sess); err != nil {
			return err
		}
		out, err = tx.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Record(ctx, model.SessionLog{
		SessionID: id,
		Level:     model.LogInfo,
		Message:   i18n.T(ctx, "SessionUpdated"),
		Context:   "session",
	})
	return out, nil
}

// Delete removes a session and everything it owns.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteSession(ctx, id)
	})
	if err != nil {
		return err
	}
	slog.Info("session deleted", "session_id", id)
	return nil
}

// AddStudents adds PENDING students to a session and re-aggregates it, so a
// finished session that gains students is reopened.
func (s *Service) AddStudents(ctx context.Context, sessionID string, in AddStudentsInput) ([]model.Student, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	var added []model.Student
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetSession(ctx, sessionID); err != nil {
			return err
		}
		for _, si := range in.Students {
			st := model.Student{
				SessionID:     sessionID,
				Name:          si.Name,
				StudentNumber: si.StudentNumber,
				FileName:      si.FileName,
				FileSize:      si.FileSize,
			}
			if err := tx.InsertStudent(ctx, &st); err != nil {
				return err
			}
			added = append(added, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, st := range added {
		s.Record(ctx, model.SessionLog{
			SessionID: sessionID,
			StudentID: &st.ID,
			Level:     model.LogInfo,
			Message:   i18n.Td(ctx, "StudentAdded", map[string]any{"Name": st.Name}),
			Context:   "students",
		})
	}
	if len(added) > 1 {
		s.Record(ctx, model.SessionLog{
			SessionID: sessionID,
			Level:     model.LogInfo,
			Message:   i18n.Tp(ctx, "StudentsAdded", len(added)),
			Context:   "students",
		})
	}
	slog.Info("students added", "session_id", sessionID, "count", len(added))
	if _, err := s.CheckAndUpdateSessionStatus(ctx, sessionID); err != nil {
		return nil, err
	}
	return added, nil
}

// Student returns a student with scores and feedback.
func (s *Service) Student(ctx context.Context, id string) (*model.StudentView, error) {
	return s.store.GetStudentView(ctx, id)
}

// UpdateStudentGrading replaces a student's task id, status, scores and
// feedback in one transaction. Totals are recomputed from the scores.
func (s *Service) UpdateStudentGrading(ctx context.Context, studentID string, in GradingInput) (*model.Student, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	now := s.now()
	var (
		out  *model.Student
		prev model.SessionStatus
	)
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		cur, err := tx.GetStudent(ctx, studentID)
		if err != nil {
			return err
		}
		sess, err := tx.GetSession(ctx, cur.SessionID)
		if err != nil {
			return err
		}
		prev = sess.Status
		var taskID *string
		if in.TaskID != "" {
			taskID = &in.TaskID
		}
		if err := tx.SetStudentGrading(ctx, studentID, taskID, in.Status, now); err != nil {
			return err
		}
		if len(in.Scores) > 0 {
			scores := make([]model.QuestionScore, len(in.Scores))
			var sheet model.ScoreSheet
			for i, sc := range in.Scores {
				scores[i] = model.QuestionScore{QuestionID: sc.QuestionID, Score: sc.Score, MaxScore: sc.MaxScore}
				sheet.Questions = append(sheet.Questions, model.QuestionResult{Score: sc.Score, MaxScore: sc.MaxScore})
			}
			if err := tx.ReplaceQuestionScores(ctx, studentID, scores); err != nil {
				return err
			}
			total, maxScore, pct := sheet.Totals()
			if err := tx.SetStudentScores(ctx, studentID, total, maxScore, pct); err != nil {
				return err
			}
		}
		if len(in.Feedback) > 0 {
			fbs := make([]model.StudentFeedback, len(in.Feedback))
			for i, fb := range in.Feedback {
				fbs[i] = model.StudentFeedback{
					QuestionID: fb.QuestionID,
					Feedback:   fb.Feedback,
					Type:       fb.Type,
					Confidence: fb.Confidence,
					Keywords:   fb.Keywords,
				}
			}
			if err := tx.ReplaceFeedback(ctx, studentID, fbs); err != nil {
				return err
			}
		}
		out, err = tx.GetStudent(ctx, studentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	level := model.LogInfo
	if in.Status == model.GradingCompleted {
		level = model.LogSuccess
	}
	s.Record(ctx, model.SessionLog{
		SessionID: out.SessionID,
		StudentID: &out.ID,
		Level:     level,
		Message:   i18n.Td(ctx, "GradingUpdated", map[string]any{"Name": out.Name}),
		Context:   "grading",
	})
	sess, err := s.CheckAndUpdateSessionStatus(ctx, out.SessionID)
	if err != nil {
		return nil, err
	}
	// The aggregator already saved statistics if it just completed the session.
	justCompleted := sess.Status == model.SessionCompleted && prev != model.SessionCompleted
	if in.Status == model.GradingCompleted && !justCompleted {
		if _, err := s.CalculateStatistics(ctx, out.SessionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// StatusCounts returns the session status with per-status student counts.
func (s *Service) StatusCounts(ctx context.Context, id string) (*model.GradingSession, model.StatusCounts, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, model.StatusCounts{}, err
	}
	counts, err := s.store.StatusCounts(ctx, id)
	if err != nil {
		return nil, model.StatusCounts{}, err
	}
	return sess, counts, nil
}

// SetStatus applies a manual status change. Cancellation of an active
// session is the only manual transition.
func (s *Service) SetStatus(ctx context.Context, id string, in StatusInput) (*model.GradingSession, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.Status != model.SessionCancelled {
		return nil, apperr.Validation("only CANCELLED can be set manually",
			map[string]string{"status": "oneof=CANCELLED"})
	}
	var out *model.GradingSession
	var changed bool
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status == model.SessionCancelled {
			out = sess
			return nil
		}
		if !sess.Status.Active() {
			return apperr.Conflict("session %s is already %s", id, sess.Status)
		}
		if err := tx.SetSessionStatus(ctx, id, model.SessionCancelled, s.now()); err != nil {
			return err
		}
		changed = true
		out, err = tx.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.Record(ctx, model.SessionLog{
			SessionID: id,
			Level:     model.LogWarning,
			Message:   i18n.T(ctx, "SessionCancelled"),
			Context:   "session",
		})
	}
	return out, nil
}

// Retry puts every FAILED student back to PENDING and reopens a finished
// session.
func (s *Service) Retry(ctx context.Context, id string) (*model.GradingSession, error) {
	var out *model.GradingSession
	var reset []model.Student
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status == model.SessionCancelled {
			return apperr.Conflict("session %s is cancelled", id)
		}
		if reset, err = tx.ResetFailedStudents(ctx, id); err != nil {
			return err
		}
		if len(reset) > 0 && !sess.Status.Active() {
			if err := tx.ReopenSession(ctx, id); err != nil {
				return err
			}
		}
		out, err = tx.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(reset) > 0 {
		s.Record(ctx, model.SessionLog{
			SessionID: id,
			Level:     model.LogInfo,
			Message:   i18n.Tp(ctx, "RetryRequested", len(reset)),
			Context:   "retry",
		})
	}
	return out, nil
}

// Logs returns the newest log entries of a session.
func (s *Service) Logs(ctx context.Context, id string, limit int) ([]model.SessionLog, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	logs, err := s.store.ListLogs(ctx, id, clampLogLimit(limit))
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []model.SessionLog{}
	}
	return logs, nil
}

// AddLog appends a client-supplied entry. Unlike Record it reports failures.
func (s *Service) AddLog(ctx context.Context, id string, in LogInput) (*model.SessionLog, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return nil, apperr.Validation("validation failed", map[string]string{"metadata": "json"})
	}
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	entry := &model.SessionLog{
		SessionID: id,
		Level:     in.Level,
		Message:   in.Message,
		Context:   in.Context,
		Metadata:  in.Metadata,
	}
	if in.StudentID != "" {
		st, err := s.store.GetStudent(ctx, in.StudentID)
		if err != nil {
			return nil, err
		}
		if st.SessionID != id {
			return nil, apperr.Validation("student does not belong to session",
				map[string]string{"studentId": "session"})
		}
		entry.StudentID = &st.ID
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func clampLogLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLogLimit
	case limit > MaxLogLimit:
		return MaxLogLimit
	}
	return limit
}
