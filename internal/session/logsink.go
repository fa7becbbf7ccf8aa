package session

import (
	"context"
	"log/slog"

	"github.com/pavelanni/gradeflow/internal/model"
)

// Record appends an audit entry. Failures are logged and discarded so that
// audit logging never changes the outcome of the caller.
func (s *Service) Record(ctx context.Context, entry model.SessionLog) {
	if err := s.store.AppendLog(ctx, &entry); err != nil {
		slog.Warn("failed to write session log",
			"session_id", entry.SessionID, "message", entry.Message, "error", err)
	}
}
