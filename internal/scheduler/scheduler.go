// Package scheduler runs the grading status poll on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pavelanni/gradeflow/internal/monitor"
)

// Poller runs one status poll batch.
type Poller interface {
	CheckAllPendingTasks(ctx context.Context) (*monitor.BatchSummary, error)
}

// Scheduler triggers Poller on a cron spec such as "@every 1m" or
// "*/2 * * * *".
type Scheduler struct {
	cron    *cron.Cron
	poller  Poller
	spec    string
	timeout time.Duration
}

// New creates a scheduler. Each run is bounded by timeout.
func New(poller Poller, spec string, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = monitor.DefaultLeaseTTL
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		poller:  poller,
		spec:    spec,
		timeout: timeout,
	}
}

// Start registers the poll job and starts the cron engine.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		return fmt.Errorf("add poll job %q: %w", s.spec, err)
	}
	s.cron.Start()
	slog.Info("status poll scheduler started", "schedule", s.spec)
	return nil
}

// Stop stops the engine and waits for a running poll to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("status poll scheduler stopped")
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	slog.Debug("scheduled status poll triggered")
	sum, err := s.poller.CheckAllPendingTasks(ctx)
	if err != nil {
		slog.Error("scheduled status poll failed", "error", err)
		return
	}
	if sum.Skipped {
		return
	}
	slog.Info("scheduled status poll done",
		"processed", sum.Processed, "updated", sum.Updated, "errors", sum.Errors)
}
