package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/gradeflow/internal/apperr"

	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement so they can run against the database or
// inside a transaction.
type queries struct {
	q querier
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	queries
	db *sql.DB
}

// Tx exposes the store's statements bound to one transaction.
type Tx struct {
	queries
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !strings.Contains(dbPath, ":memory:") {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps in-memory databases shared.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{queries: queries{q: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn in a transaction. The transaction is rolled back when fn
// returns an error and committed otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{queries: queries{q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return apperr.Persistence("commit transaction", err)
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS grading_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		subject TEXT NOT NULL,
		exam_year TEXT NOT NULL,
		num_students INTEGER NOT NULL DEFAULT 0,
		grading_rubric TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'PENDING',
		average_score REAL,
		highest_score REAL,
		lowest_score REAL,
		passing_rate REAL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		grading_session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		student_number TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		task_id TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		total_score REAL,
		max_score REAL,
		percentage REAL,
		raw_grading_output TEXT,
		uploaded_at DATETIME,
		graded_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (grading_session_id) REFERENCES grading_sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_students_session ON students(grading_session_id);
	CREATE INDEX IF NOT EXISTS idx_students_task ON students(task_id);
	CREATE INDEX IF NOT EXISTS idx_students_status ON students(status, created_at);

	CREATE TABLE IF NOT EXISTS question_scores (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		max_score REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (student_id) REFERENCES students(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_question_scores_student ON question_scores(student_id);

	CREATE TABLE IF NOT EXISTS student_feedback (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		feedback TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'GENERAL',
		confidence REAL,
		keywords TEXT,
		FOREIGN KEY (student_id) REFERENCES students(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_student_feedback_student ON student_feedback(student_id);

	CREATE TABLE IF NOT EXISTS session_logs (
		id TEXT PRIMARY KEY,
		grading_session_id TEXT NOT NULL,
		student_id TEXT,
		user_id TEXT,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (grading_session_id) REFERENCES grading_sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_session_logs_session ON session_logs(grading_session_id, created_at);

	CREATE TABLE IF NOT EXISTS poll_leases (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() string {
	return uuid.NewString()
}

func now() time.Time {
	return time.Now().UTC()
}

// notFound converts sql.ErrNoRows into an apperr not-found error.
func notFound(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(entity, id)
	}
	return err
}

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
