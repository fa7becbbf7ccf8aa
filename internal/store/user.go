package store

import (
	"context"
	"log/slog"

	"github.com/pavelanni/gradeflow/internal/model"
)

// EnsureUser returns the user with the given email, creating it on first use.
func (s *Store) EnsureUser(ctx context.Context, email, name string) (*model.User, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		newID(), email, name, now(),
	)
	if err != nil {
		slog.Error("failed to upsert user", "email", email, "error", err)
		return nil, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("created user", "email", email)
	}
	return s.GetUserByEmail(ctx, email)
}

// GetUserByEmail returns a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := s.q.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user", email)
	}
	return &u, nil
}

// UserCount returns the total number of users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
