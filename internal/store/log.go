package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pavelanni/gradeflow/internal/apperr"
	"github.com/pavelanni/gradeflow/internal/model"
)

// AppendLog inserts an audit entry and fills in its id and timestamp.
func (q *queries) AppendLog(ctx context.Context, entry *model.SessionLog) error {
	entry.ID = newID()
	entry.CreatedAt = now()
	if entry.Level == "" {
		entry.Level = model.LogInfo
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO session_logs (id, grading_session_id, student_id, user_id, level, message, context, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.StudentID, entry.UserID, entry.Level, entry.Message, entry.Context,
		nullString(string(entry.Metadata)), entry.CreatedAt,
	)
	if err != nil {
		return apperr.Persistence("append log", err)
	}
	return nil
}

// ListLogs returns the newest log entries of a session.
func (q *queries) ListLogs(ctx context.Context, sessionID string, limit int) ([]model.SessionLog, error) {
	return q.listLogs(ctx,
		`SELECT id, grading_session_id, student_id, user_id, level, message, context, metadata, created_at
		 FROM session_logs WHERE grading_session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		sessionID, limit)
}

// ListStudentLogs returns the newest log entries that reference a student.
func (q *queries) ListStudentLogs(ctx context.Context, studentID string, limit int) ([]model.SessionLog, error) {
	return q.listLogs(ctx,
		`SELECT id, grading_session_id, student_id, user_id, level, message, context, metadata, created_at
		 FROM session_logs WHERE student_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		studentID, limit)
}

// CountLogs returns the number of log entries of a session.
func (q *queries) CountLogs(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_logs WHERE grading_session_id = ?`, sessionID).Scan(&n)
	return n, err
}

func (q *queries) listLogs(ctx context.Context, query string, args ...any) ([]model.SessionLog, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SessionLog
	for rows.Next() {
		var (
			l                 model.SessionLog
			studentID, userID sql.NullString
			metadata          sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.SessionID, &studentID, &userID, &l.Level, &l.Message, &l.Context, &metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.StudentID, l.UserID = stringPtr(studentID), stringPtr(userID)
		if metadata.Valid {
			l.Metadata = json.RawMessage(metadata.String)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
