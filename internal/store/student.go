package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pavelanni/gradeflow/internal/apperr"
	"github.com/pavelanni/gradeflow/internal/model"
)

const studentColumns = `id, grading_session_id, name, student_number, file_name, file_size, task_id, status,
	total_score, max_score, percentage, raw_grading_output, uploaded_at, graded_at, created_at, updated_at`

func scanStudent(r rowScanner) (*model.Student, error) {
	var (
		st                   model.Student
		taskID, raw          sql.NullString
		total, maxScore, pct sql.NullFloat64
		uploadedAt, gradedAt sql.NullTime
	)
	err := r.Scan(&st.ID, &st.SessionID, &st.Name, &st.StudentNumber, &st.FileName, &st.FileSize,
		&taskID, &st.Status, &total, &maxScore, &pct, &raw, &uploadedAt, &gradedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.TaskID = stringPtr(taskID)
	st.TotalScore, st.MaxScore, st.Percentage = floatPtr(total), floatPtr(maxScore), floatPtr(pct)
	if raw.Valid {
		st.RawGradingOutput = json.RawMessage(raw.String)
	}
	st.UploadedAt, st.GradedAt = timePtr(uploadedAt), timePtr(gradedAt)
	return &st, nil
}

func (q *queries) listStudents(ctx context.Context, query string, args ...any) ([]model.Student, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// InsertStudent adds a PENDING student to a session.
func (q *queries) InsertStudent(ctx context.Context, st *model.Student) error {
	t := now()
	st.ID = newID()
	st.Status = model.GradingPending
	st.CreatedAt, st.UpdatedAt = t, t
	if st.FileName != "" && st.UploadedAt == nil {
		st.UploadedAt = &t
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO students (id, grading_session_id, name, student_number, file_name, file_size, task_id, status, uploaded_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.SessionID, st.Name, st.StudentNumber, st.FileName, st.FileSize,
		st.TaskID, st.Status, nullTime(st.UploadedAt), t, t,
	)
	if err != nil {
		return apperr.Persistence("insert student", err)
	}
	return nil
}

// GetStudent returns a student by id.
func (q *queries) GetStudent(ctx context.Context, id string) (*model.Student, error) {
	st, err := scanStudent(q.q.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "student", id)
	}
	return st, nil
}

// GetStudentByTask returns the student owning an external task id.
func (q *queries) GetStudentByTask(ctx context.Context, taskID string) (*model.Student, error) {
	st, err := scanStudent(q.q.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE task_id = ? ORDER BY created_at LIMIT 1`, taskID))
	if err != nil {
		return nil, notFound(err, "task", taskID)
	}
	return st, nil
}

// ListStudents returns the students of a session ordered by name.
func (q *queries) ListStudents(ctx context.Context, sessionID string) ([]model.Student, error) {
	return q.listStudents(ctx,
		`SELECT `+studentColumns+` FROM students WHERE grading_session_id = ? ORDER BY name, created_at`, sessionID)
}

// ListPendingTasks returns up to limit students that have a task id and are
// PENDING or PROCESSING, oldest first.
func (q *queries) ListPendingTasks(ctx context.Context, limit int) ([]model.Student, error) {
	return q.listStudents(ctx,
		`SELECT `+studentColumns+` FROM students
		 WHERE task_id IS NOT NULL AND status IN (?, ?)
		 ORDER BY created_at, rowid LIMIT ?`,
		model.GradingPending, model.GradingProcessing, limit)
}

// StatusCounts returns the distribution of student statuses in a session.
func (q *queries) StatusCounts(ctx context.Context, sessionID string) (model.StatusCounts, error) {
	var c model.StatusCounts
	rows, err := q.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM students WHERE grading_session_id = ? GROUP BY status`, sessionID)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var status model.GradingStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		c.AddN(status, n)
	}
	return c, rows.Err()
}

// CompletedPercentages returns the percentages of completed students.
func (q *queries) CompletedPercentages(ctx context.Context, sessionID string) ([]float64, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT percentage FROM students
		 WHERE grading_session_id = ? AND status = ? AND percentage IS NOT NULL`,
		sessionID, model.GradingCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountTasksByStatus counts students with a task id in the given status.
func (q *queries) CountTasksByStatus(ctx context.Context, status model.GradingStatus) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM students WHERE task_id IS NOT NULL AND status = ?`, status).Scan(&n)
	return n, err
}

// OldestPendingTask returns the longest-waiting PENDING task, or nil.
func (q *queries) OldestPendingTask(ctx context.Context) (*model.OldestPendingTask, error) {
	var t model.OldestPendingTask
	err := q.q.QueryRowContext(ctx,
		`SELECT task_id, name, created_at FROM students
		 WHERE task_id IS NOT NULL AND status = ?
		 ORDER BY created_at, rowid LIMIT 1`, model.GradingPending,
	).Scan(&t.TaskID, &t.StudentName, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// AssignTask records the external task id of a student.
func (q *queries) AssignTask(ctx context.Context, studentID, taskID string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE students SET task_id = ?, updated_at = ? WHERE id = ?`, taskID, now(), studentID)
	if err != nil {
		return apperr.Persistence("assign task", err)
	}
	return requireRow(res, "student", studentID)
}

// TransitionStudent moves a student from one grading status to another.
// It reports false without writing when the stored status is no longer from,
// which makes concurrent reconcilers of the same student harmless.
func (q *queries) TransitionStudent(ctx context.Context, id string, from, to model.GradingStatus, at time.Time) (bool, error) {
	var gradedAt sql.NullTime
	if to == model.GradingCompleted {
		gradedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	res, err := q.q.ExecContext(ctx,
		`UPDATE students
		 SET status = ?, updated_at = ?, graded_at = COALESCE(?, graded_at)
		 WHERE id = ? AND status = ?`,
		to, at.UTC(), gradedAt, id, from,
	)
	if err != nil {
		return false, apperr.Persistence("update student status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetStudentGrading overwrites task id and status unconditionally.
func (q *queries) SetStudentGrading(ctx context.Context, id string, taskID *string, status model.GradingStatus, at time.Time) error {
	var gradedAt sql.NullTime
	if status == model.GradingCompleted {
		gradedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	res, err := q.q.ExecContext(ctx,
		`UPDATE students
		 SET task_id = COALESCE(?, task_id), status = ?, updated_at = ?, graded_at = COALESCE(?, graded_at)
		 WHERE id = ?`,
		taskID, status, at.UTC(), gradedAt, id,
	)
	if err != nil {
		return apperr.Persistence("update student grading", err)
	}
	return requireRow(res, "student", id)
}

// SetStudentScores stores a student's totals.
func (q *queries) SetStudentScores(ctx context.Context, id string, total, maxScore, percentage float64) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE students SET total_score = ?, max_score = ?, percentage = ?, updated_at = ? WHERE id = ?`,
		total, maxScore, percentage, now(), id)
	if err != nil {
		return apperr.Persistence("update student scores", err)
	}
	return nil
}

// SetRawGradingOutput stores the grading server's result verbatim.
func (q *queries) SetRawGradingOutput(ctx context.Context, id string, raw json.RawMessage) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE students SET raw_grading_output = ?, updated_at = ? WHERE id = ?`,
		nullString(string(raw)), now(), id)
	if err != nil {
		return apperr.Persistence("store grading output", err)
	}
	return nil
}

// ReplaceQuestionScores deletes a student's question scores and inserts scores.
func (q *queries) ReplaceQuestionScores(ctx context.Context, studentID string, scores []model.QuestionScore) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM question_scores WHERE student_id = ?`, studentID); err != nil {
		return apperr.Persistence("delete question scores", err)
	}
	for i := range scores {
		scores[i].ID = newID()
		scores[i].StudentID = studentID
		_, err := q.q.ExecContext(ctx,
			`INSERT INTO question_scores (id, student_id, question_id, score, max_score) VALUES (?, ?, ?, ?, ?)`,
			scores[i].ID, studentID, scores[i].QuestionID, scores[i].Score, scores[i].MaxScore)
		if err != nil {
			return apperr.Persistence("insert question score", err)
		}
	}
	return nil
}

// ReplaceFeedback deletes a student's feedback and inserts feedback.
func (q *queries) ReplaceFeedback(ctx context.Context, studentID string, feedback []model.StudentFeedback) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM student_feedback WHERE student_id = ?`, studentID); err != nil {
		return apperr.Persistence("delete feedback", err)
	}
	for i := range feedback {
		fb := &feedback[i]
		fb.ID = newID()
		fb.StudentID = studentID
		if fb.Type == "" {
			fb.Type = model.FeedbackGeneral
		}
		var keywords sql.NullString
		if len(fb.Keywords) > 0 {
			b, err := json.Marshal(fb.Keywords)
			if err != nil {
				return err
			}
			keywords = nullString(string(b))
		}
		_, err := q.q.ExecContext(ctx,
			`INSERT INTO student_feedback (id, student_id, question_id, feedback, type, confidence, keywords)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			fb.ID, studentID, fb.QuestionID, fb.Feedback, fb.Type, nullFloat(fb.Confidence), keywords)
		if err != nil {
			return apperr.Persistence("insert feedback", err)
		}
	}
	return nil
}

// ListQuestionScores returns a student's question scores.
func (q *queries) ListQuestionScores(ctx context.Context, studentID string) ([]model.QuestionScore, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, student_id, question_id, score, max_score FROM question_scores
		 WHERE student_id = ? ORDER BY rowid`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.QuestionScore
	for rows.Next() {
		var sc model.QuestionScore
		if err := rows.Scan(&sc.ID, &sc.StudentID, &sc.QuestionID, &sc.Score, &sc.MaxScore); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ListFeedback returns a student's feedback entries.
func (q *queries) ListFeedback(ctx context.Context, studentID string) ([]model.StudentFeedback, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, student_id, question_id, feedback, type, confidence, keywords FROM student_feedback
		 WHERE student_id = ? ORDER BY rowid`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.StudentFeedback
	for rows.Next() {
		var (
			fb         model.StudentFeedback
			confidence sql.NullFloat64
			keywords   sql.NullString
		)
		if err := rows.Scan(&fb.ID, &fb.StudentID, &fb.QuestionID, &fb.Feedback, &fb.Type, &confidence, &keywords); err != nil {
			return nil, err
		}
		fb.Confidence = floatPtr(confidence)
		if keywords.Valid {
			if err := json.Unmarshal([]byte(keywords.String), &fb.Keywords); err != nil {
				return nil, err
			}
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}

// ResetFailedStudents puts every FAILED student of a session back to PENDING,
// clearing task id, scores, feedback and raw output. It returns the students
// that were reset.
func (q *queries) ResetFailedStudents(ctx context.Context, sessionID string) ([]model.Student, error) {
	failed, err := q.listStudents(ctx,
		`SELECT `+studentColumns+` FROM students WHERE grading_session_id = ? AND status = ? ORDER BY name`,
		sessionID, model.GradingFailed)
	if err != nil {
		return nil, err
	}
	t := now()
	for _, st := range failed {
		if err := q.ReplaceQuestionScores(ctx, st.ID, nil); err != nil {
			return nil, err
		}
		if err := q.ReplaceFeedback(ctx, st.ID, nil); err != nil {
			return nil, err
		}
		_, err := q.q.ExecContext(ctx,
			`UPDATE students
			 SET status = ?, task_id = NULL, total_score = NULL, max_score = NULL, percentage = NULL,
			     raw_grading_output = NULL, graded_at = NULL, updated_at = ?
			 WHERE id = ?`,
			model.GradingPending, t, st.ID)
		if err != nil {
			return nil, apperr.Persistence("reset student", err)
		}
	}
	return failed, nil
}
