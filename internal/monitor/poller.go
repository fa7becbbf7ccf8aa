package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pavelanni/gradeflow/internal/apperr"
	"github.com/pavelanni/gradeflow/internal/i18n"
	"github.com/pavelanni/gradeflow/internal/model"
)

// BatchSummary is the outcome of one poll run.
type BatchSummary struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Errors    int `json:"errors"`
	// Skipped is set when another run held the poll lease.
	Skipped bool     `json:"skipped"`
	Results []Result `json:"results"`
}

// CheckAllPendingTasks reconciles up to BatchSize students that have a task
// and are PENDING or PROCESSING, then re-aggregates each touched session
// once. Per-student failures are counted, not returned; only failures of
// the store itself are. Each run holds the poll lease under its own owner id
// and stops taking new students once the lease TTL has elapsed; students
// left over are picked up by the next run.
func (m *Monitor) CheckAllPendingTasks(ctx context.Context) (*BatchSummary, error) {
	summary := &BatchSummary{Results: []Result{}}
	owner := m.owner + "-" + uuid.NewString()[:8]

	ok, err := m.store.AcquireLease(ctx, pollLeaseName, owner, m.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire poll lease: %w", err)
	}
	if !ok {
		slog.Info("status poll already running, skipping")
		summary.Skipped = true
		return summary, nil
	}
	defer func() {
		if err := m.store.ReleaseLease(context.WithoutCancel(ctx), pollLeaseName, owner); err != nil {
			slog.Warn("failed to release poll lease", "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.LeaseTTL)
	defer cancel()

	students, err := m.store.ListPendingTasks(runCtx, m.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}

	var sessions []string
	seen := make(map[string]bool)
	for _, st := range students {
		if runCtx.Err() != nil {
			slog.Warn("status poll ran past its lease, deferring remaining tasks",
				"remaining", len(students)-summary.Processed)
			break
		}
		summary.Processed++
		res, err := m.Reconcile(runCtx, st)
		if err != nil {
			summary.Errors++
			if apperr.IsExternal(err) {
				slog.Warn("task check failed", "student_id", st.ID, "task_id", res.TaskID, "error", err)
			} else {
				slog.Error("task check failed", "student_id", st.ID, "task_id", res.TaskID, "error", err)
			}
			m.recordFailure(ctx, st, res, err)
		} else if res.Updated {
			summary.Updated++
			if !seen[st.SessionID] {
				seen[st.SessionID] = true
				sessions = append(sessions, st.SessionID)
			}
		}
		summary.Results = append(summary.Results, res)
	}

	for _, id := range sessions {
		if _, err := m.sessions.CheckAndUpdateSessionStatus(ctx, id); err != nil {
			slog.Error("session status check failed", "session_id", id, "error", err)
		}
	}

	slog.Info("status poll finished",
		"processed", summary.Processed, "updated", summary.Updated, "errors", summary.Errors)
	return summary, nil
}

// recordFailure logs a failed task check. Grading server failures are
// transient and logged as warnings.
func (m *Monitor) recordFailure(ctx context.Context, st model.Student, res Result, err error) {
	level := model.LogError
	if apperr.IsExternal(err) {
		level = model.LogWarning
	}
	studentID := st.ID
	m.sessions.Record(ctx, model.SessionLog{
		SessionID: st.SessionID,
		StudentID: &studentID,
		Level:     level,
		Message: i18n.Td(ctx, "TaskCheckFailed", map[string]any{
			"TaskID": res.TaskID, "Name": st.Name, "Error": err.Error(),
		}),
		Context: "monitor",
	})
}

// CheckTask reconciles the student owning taskID and re-aggregates its
// session when the student changed.
func (m *Monitor) CheckTask(ctx context.Context, taskID string) (Result, error) {
	st, err := m.store.GetStudentByTask(ctx, taskID)
	if err != nil {
		return Result{TaskID: taskID, Error: err.Error()}, err
	}
	res, err := m.Reconcile(ctx, *st)
	if err != nil {
		m.recordFailure(ctx, *st, res, err)
		return res, err
	}
	if res.Updated {
		if _, err := m.sessions.CheckAndUpdateSessionStatus(ctx, st.SessionID); err != nil {
			return res, err
		}
	}
	return res, nil
}

// PushedUpdate is a status report delivered by the grading server instead
// of being polled.
type PushedUpdate struct {
	Status string `json:"status"`
	// Result is the grading payload in any shape model.NormalizeResult accepts.
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ApplyUpdate applies a pushed status report to the student owning taskID.
func (m *Monitor) ApplyUpdate(ctx context.Context, taskID string, u PushedUpdate) (Result, error) {
	st, err := m.store.GetStudentByTask(ctx, taskID)
	if err != nil {
		return Result{TaskID: taskID}, err
	}
	res, err := m.apply(ctx, *st, u.Status, u.Result, "push")
	if err != nil {
		return res, err
	}
	if res.Updated {
		if _, err := m.sessions.CheckAndUpdateSessionStatus(ctx, st.SessionID); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Stats returns a snapshot of outstanding grading work.
func (m *Monitor) Stats(ctx context.Context) (*model.MonitoringStats, error) {
	var (
		stats model.MonitoringStats
		err   error
	)
	if stats.TotalPendingTasks, err = m.store.CountTasksByStatus(ctx, model.GradingPending); err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	if stats.TotalProcessingTasks, err = m.store.CountTasksByStatus(ctx, model.GradingProcessing); err != nil {
		return nil, fmt.Errorf("count processing: %w", err)
	}
	if stats.TotalActiveSessions, err = m.store.CountActiveSessions(ctx); err != nil {
		return nil, fmt.Errorf("count active sessions: %w", err)
	}
	if stats.OldestPendingTask, err = m.store.OldestPendingTask(ctx); err != nil {
		return nil, fmt.Errorf("oldest pending task: %w", err)
	}
	return &stats, nil
}
