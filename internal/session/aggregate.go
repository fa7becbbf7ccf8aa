package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/gradeflow/internal/i18n"
	"github.com/pavelanni/gradeflow/internal/model"
	"github.com/pavelanni/gradeflow/internal/store"
)

// CheckAndUpdateSessionStatus derives the session status from its students
// and writes it only when it changes. Statistics are computed on the
// transition to COMPLETED.
func (s *Service) CheckAndUpdateSessionStatus(ctx context.Context, id string) (*model.GradingSession, error) {
	var (
		out      *model.GradingSession
		from, to model.SessionStatus
		stats    *model.SessionStatistics
	)
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		counts, err := tx.StatusCounts(ctx, id)
		if err != nil {
			return fmt.Errorf("count students: %w", err)
		}
		from, to = sess.Status, model.AggregateSessionStatus(sess.Status, counts)
		if to == from {
			out = sess
			return nil
		}
		if err := tx.SetSessionStatus(ctx, id, to, s.now()); err != nil {
			return err
		}
		if to == model.SessionCompleted {
			if stats, err = saveStatistics(ctx, tx, id); err != nil {
				return err
			}
		}
		out, err = tx.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if from == to {
		return out, nil
	}

	slog.Info("session status changed", "session_id", id, "from", from, "to", to)
	level := model.LogInfo
	if to == model.SessionCompleted {
		level = model.LogSuccess
	}
	s.Record(ctx, model.SessionLog{
		SessionID: id,
		Level:     level,
		Message:   i18n.Td(ctx, "SessionStatusChanged", map[string]any{"From": from, "To": to}),
		Context:   "status",
	})
	if stats != nil {
		s.recordStatistics(ctx, id, *stats)
	}
	return out, nil
}

// CalculateStatistics recomputes and stores the session statistics over its
// completed students. It returns nil when no student is completed.
func (s *Service) CalculateStatistics(ctx context.Context, id string) (*model.SessionStatistics, error) {
	var stats *model.SessionStatistics
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetSession(ctx, id); err != nil {
			return err
		}
		var err error
		stats, err = saveStatistics(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if stats != nil {
		s.recordStatistics(ctx, id, *stats)
	}
	return stats, nil
}

// RecheckActiveSessions re-aggregates every PENDING or IN_PROGRESS session
// and returns how many changed status. Failures are logged and skipped.
func (s *Service) RecheckActiveSessions(ctx context.Context) (int, error) {
	sessions, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	changed := 0
	for _, sess := range sessions {
		out, err := s.CheckAndUpdateSessionStatus(ctx, sess.ID)
		if err != nil {
			slog.Error("session status check failed", "session_id", sess.ID, "error", err)
			continue
		}
		if out.Status != sess.Status {
			changed++
		}
	}
	return changed, nil
}

func saveStatistics(ctx context.Context, tx *store.Tx, id string) (*model.SessionStatistics, error) {
	pcts, err := tx.CompletedPercentages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load percentages: %w", err)
	}
	stats, ok := model.ComputeStatistics(pcts)
	if !ok {
		return nil, nil
	}
	if err := tx.SaveStatistics(ctx, id, stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *Service) recordStatistics(ctx context.Context, id string, st model.SessionStatistics) {
	s.Record(ctx, model.SessionLog{
		SessionID: id,
		Level:     model.LogSuccess,
		Message: i18n.Td(ctx, "SessionStatsComputed", map[string]any{
			"Average":     fmt.Sprintf("%.1f", st.Average),
			"Highest":     fmt.Sprintf("%.1f", st.Highest),
			"Lowest":      fmt.Sprintf("%.1f", st.Lowest),
			"PassingRate": fmt.Sprintf("%.1f", st.PassingRate),
		}),
		Context: "statistics",
	})
}
