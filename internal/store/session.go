package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pavelanni/gradeflow/internal/apperr"
	"github.com/pavelanni/gradeflow/internal/model"
)

const sessionColumns = `id, user_id, title, subject, exam_year, num_students, grading_rubric, status,
	average_score, highest_score, lowest_score, passing_rate,
	created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*model.GradingSession, error) {
	var (
		sess                    model.GradingSession
		avg, high, low, passing sql.NullFloat64
		startedAt, completedAt  sql.NullTime
	)
	err := r.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Subject, &sess.ExamYear, &sess.NumStudents,
		&sess.Rubric, &sess.Status, &avg, &high, &low, &passing,
		&sess.CreatedAt, &sess.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	sess.AverageScore = floatPtr(avg)
	sess.HighestScore = floatPtr(high)
	sess.LowestScore = floatPtr(low)
	sess.PassingRate = floatPtr(passing)
	sess.StartedAt = timePtr(startedAt)
	sess.CompletedAt = timePtr(completedAt)
	return &sess, nil
}

// CreateSession inserts a new session and fills in its id, status and timestamps.
func (q *queries) CreateSession(ctx context.Context, sess *model.GradingSession) error {
	t := now()
	sess.ID = newID()
	if sess.Status == "" {
		sess.Status = model.SessionPending
	}
	sess.CreatedAt, sess.UpdatedAt = t, t
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO grading_sessions (id, user_id, title, subject, exam_year, num_students, grading_rubric, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Title, sess.Subject, sess.ExamYear, sess.NumStudents, sess.Rubric, sess.Status, t, t,
	)
	if err != nil {
		return apperr.Persistence("create session", err)
	}
	return nil
}

// GetSession returns a session by id.
func (q *queries) GetSession(ctx context.Context, id string) (*model.GradingSession, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM grading_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	return sess, nil
}

// ListSessions returns the newest sessions of a user with student counts.
func (q *queries) ListSessions(ctx context.Context, userID string, limit int) ([]model.SessionSummary, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+sessionColumns+`,
		        (SELECT COUNT(*) FROM students st WHERE st.grading_session_id = grading_sessions.id),
		        (SELECT COUNT(*) FROM session_logs l WHERE l.grading_session_id = grading_sessions.id)
		 FROM grading_sessions WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SessionSummary
	for rows.Next() {
		var (
			sum                     model.SessionSummary
			avg, high, low, passing sql.NullFloat64
			startedAt, completedAt  sql.NullTime
		)
		s := &sum.GradingSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &s.Subject, &s.ExamYear, &s.NumStudents,
			&s.Rubric, &s.Status, &avg, &high, &low, &passing,
			&s.CreatedAt, &s.UpdatedAt, &startedAt, &completedAt,
			&sum.Counts.Students, &sum.Counts.Logs); err != nil {
			return nil, err
		}
		s.AverageScore, s.HighestScore = floatPtr(avg), floatPtr(high)
		s.LowestScore, s.PassingRate = floatPtr(low), floatPtr(passing)
		s.StartedAt, s.CompletedAt = timePtr(startedAt), timePtr(completedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ListActiveSessions returns sessions that are PENDING or IN_PROGRESS.
func (q *queries) ListActiveSessions(ctx context.Context) ([]model.GradingSession, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM grading_sessions
		 WHERE status IN (?, ?) ORDER BY updated_at`,
		model.SessionPending, model.SessionInProgress,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.GradingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// CountActiveSessions counts sessions that are PENDING or IN_PROGRESS.
func (q *queries) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM grading_sessions WHERE status IN (?, ?)`,
		model.SessionPending, model.SessionInProgress,
	).Scan(&n)
	return n, err
}

// UpdateSessionDetails rewrites the user-editable fields of a session.
func (q *queries) UpdateSessionDetails(ctx context.Context, sess model.GradingSession) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE grading_sessions
		 SET title = ?, subject = ?, exam_year = ?, num_students = ?, grading_rubric = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Title, sess.Subject, sess.ExamYear, sess.NumStudents, sess.Rubric, now(), sess.ID,
	)
	if err != nil {
		return apperr.Persistence("update session", err)
	}
	return requireRow(res, "session", sess.ID)
}

// SetSessionStatus writes a new status. started_at is stamped once when the
// session enters IN_PROGRESS and completed_at when it finishes. Moving back
// to PENDING or IN_PROGRESS clears completed_at and the statistics.
func (q *queries) SetSessionStatus(ctx context.Context, id string, status model.SessionStatus, at time.Time) error {
	if status.Active() {
		var startedAt sql.NullTime
		if status == model.SessionInProgress {
			startedAt = sql.NullTime{Time: at.UTC(), Valid: true}
		}
		res, err := q.q.ExecContext(ctx,
			`UPDATE grading_sessions
			 SET status = ?, updated_at = ?, completed_at = NULL,
			     average_score = NULL, highest_score = NULL, lowest_score = NULL, passing_rate = NULL,
			     started_at = COALESCE(started_at, ?)
			 WHERE id = ?`,
			status, at.UTC(), startedAt, id,
		)
		if err != nil {
			return apperr.Persistence("update session status", err)
		}
		return requireRow(res, "session", id)
	}
	res, err := q.q.ExecContext(ctx,
		`UPDATE grading_sessions SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		status, at.UTC(), at.UTC(), id,
	)
	if err != nil {
		return apperr.Persistence("update session status", err)
	}
	return requireRow(res, "session", id)
}

// ReopenSession moves a finished session back to IN_PROGRESS and clears its
// completion stamp and statistics.
func (q *queries) ReopenSession(ctx context.Context, id string) error {
	t := now()
	res, err := q.q.ExecContext(ctx,
		`UPDATE grading_sessions
		 SET status = ?, updated_at = ?, completed_at = NULL,
		     average_score = NULL, highest_score = NULL, lowest_score = NULL, passing_rate = NULL,
		     started_at = COALESCE(started_at, ?)
		 WHERE id = ?`,
		model.SessionInProgress, t, t, id,
	)
	if err != nil {
		return apperr.Persistence("reopen session", err)
	}
	return requireRow(res, "session", id)
}

// SaveStatistics stores aggregate score statistics of a session.
func (q *queries) SaveStatistics(ctx context.Context, id string, st model.SessionStatistics) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE grading_sessions
		 SET average_score = ?, highest_score = ?, lowest_score = ?, passing_rate = ?, updated_at = ?
		 WHERE id = ?`,
		st.Average, st.Highest, st.Lowest, st.PassingRate, now(), id,
	)
	if err != nil {
		return apperr.Persistence("save statistics", err)
	}
	return requireRow(res, "session", id)
}

// DeleteSession removes a session with its students, scores, feedback and logs.
func (q *queries) DeleteSession(ctx context.Context, id string) error {
	stmts := []string{
		`DELETE FROM question_scores WHERE student_id IN (SELECT id FROM students WHERE grading_session_id = ?)`,
		`DELETE FROM student_feedback WHERE student_id IN (SELECT id FROM students WHERE grading_session_id = ?)`,
		`DELETE FROM students WHERE grading_session_id = ?`,
		`DELETE FROM session_logs WHERE grading_session_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := q.q.ExecContext(ctx, stmt, id); err != nil {
			return apperr.Persistence("delete session", err)
		}
	}
	res, err := q.q.ExecContext(ctx, `DELETE FROM grading_sessions WHERE id = ?`, id)
	if err != nil {
		return apperr.Persistence("delete session", err)
	}
	return requireRow(res, "session", id)
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}
