// Package monitor keeps student grading status in step with the external
// grading server, by polling in batches and by listening to pushed updates.
package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/gradeflow/internal/grading"
	"github.com/pavelanni/gradeflow/internal/session"
	"github.com/pavelanni/gradeflow/internal/store"
)

const (
	DefaultBatchSize = 10
	DefaultLeaseTTL  = 2 * time.Minute

	pollLeaseName = "grading-status-poll"
)

// GradingClient is the part of the grading server API the monitor uses.
type GradingClient interface {
	FetchTaskStatus(ctx context.Context, taskID string) (*grading.TaskStatus, error)
	Dispatch(ctx context.Context, fileName string, pdf io.Reader, guideJSON string) (*grading.DispatchResult, error)
	Watch(ctx context.Context, taskID string, fn func(grading.Update) bool) error
}

// Config tunes a Monitor.
type Config struct {
	// BatchSize bounds the students reconciled per poll.
	BatchSize int
	// LeaseTTL is how long a poll run holds the lease.
	LeaseTTL time.Duration
	// WatchDispatched starts a WebSocket watcher for every dispatched task.
	WatchDispatched bool
}

// Monitor reconciles student grading status with the grading server.
type Monitor struct {
	store    *store.Store
	sessions *session.Service
	client   GradingClient
	cfg      Config
	owner    string
	now      func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	watching map[string]struct{}
	wg       sync.WaitGroup
}

// New creates a monitor.
func New(st *store.Store, sessions *session.Service, client GradingClient, cfg Config) *Monitor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	host, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		store:    st,
		sessions: sessions,
		client:   client,
		cfg:      cfg,
		owner:    fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		watching: make(map[string]struct{}),
	}
}

// Close stops all watchers and waits for them to exit.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}
