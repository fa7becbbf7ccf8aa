package store

import (
	"context"
	"time"

	"github.com/pavelanni/gradeflow/internal/apperr"
)

// AcquireLease claims the named lease for owner until ttl elapses. It
// succeeds when the lease is free, expired, or already held by owner.
func (q *queries) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	t := now()
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO poll_leases (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		 WHERE poll_leases.expires_at <= ? OR poll_leases.owner = excluded.owner`,
		name, owner, t, t.Add(ttl), t,
	)
	if err != nil {
		return false, apperr.Persistence("acquire lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (q *queries) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM poll_leases WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return apperr.Persistence("release lease", err)
	}
	return nil
}
