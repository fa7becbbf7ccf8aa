package monitor

import (
	"errors"
	"log/slog"

	"github.com/pavelanni/gradeflow/internal/grading"
	"github.com/pavelanni/gradeflow/internal/model"
)

// Watch follows a task's WebSocket status channel in the background and
// applies every report until the student reaches a terminal status. When
// the channel drops, the poller picks the task up again.
// It reports false when the task is already being watched.
func (m *Monitor) Watch(taskID string) bool {
	m.mu.Lock()
	if _, ok := m.watching[taskID]; ok || m.ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.watching[taskID] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.watching, taskID)
			m.mu.Unlock()
		}()

		err := m.client.Watch(m.ctx, taskID, func(u grading.Update) bool {
			if !model.KnownExternalStatus(u.Status) {
				return false
			}
			res, err := m.ApplyUpdate(m.ctx, taskID, PushedUpdate{Status: u.Status, Result: u.Result, Error: u.Error})
			if err != nil {
				slog.Warn("failed to apply pushed status", "task_id", taskID, "error", err)
				return false
			}
			return res.NewStatus.Terminal()
		})
		if err != nil && !errors.Is(err, m.ctx.Err()) {
			slog.Warn("status channel closed, falling back to polling", "task_id", taskID, "error", err)
			return
		}
		slog.Debug("stopped watching task", "task_id", taskID)
	}()
	return true
}

// Watching reports how many tasks are followed over WebSocket.
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watching)
}
