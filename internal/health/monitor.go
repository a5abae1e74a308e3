// Package health runs the two periodic whole-fleet tasks: per-instance
// connection-state polling and the upstream/registry orphan reaper. Both
// run under the distributed lock manager so a horizontally scaled
// deployment elects one leader per tick rather than issuing duplicate
// upstream calls; a circuit-breaker-wrapped lock degrades to "every
// process attempts the tick" during a Redis outage, which is safe only
// because both tasks are independently idempotent.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/funnelchat/wa-delivery/internal/locks"
)

// InstanceLister supplies the set of instances to health-check.
type InstanceLister interface {
	ListNames(ctx context.Context) ([]string, error)
}

// CheckFunc performs one instance's connection-state check and applies it
// to the registry; it is injected so Monitor stays decoupled from the
// gateway and instances package types.
type CheckFunc func(ctx context.Context, instanceName string) error

// ReconcileFunc performs one orphan-reaper pass.
type ReconcileFunc func(ctx context.Context) error

// Config tunes the tick intervals and lock TTLs for both tasks.
type Config struct {
	CheckInterval   time.Duration
	ReaperInterval  time.Duration
	LockTTLSeconds  int
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:  5 * time.Minute,
		ReaperInterval: time.Hour,
		LockTTLSeconds: 30,
	}
}

// Monitor drives the health-check and orphan-reaper tickers.
type Monitor struct {
	lockManager locks.Manager
	lister      InstanceLister
	check       CheckFunc
	reconcile   ReconcileFunc
	cfg         Config
	log         *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewMonitor(lockManager locks.Manager, lister InstanceLister, check CheckFunc, reconcile ReconcileFunc, cfg Config, log *slog.Logger) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = time.Hour
	}
	if cfg.LockTTLSeconds <= 0 {
		cfg.LockTTLSeconds = 30
	}
	return &Monitor{
		lockManager: lockManager,
		lister:      lister,
		check:       check,
		reconcile:   reconcile,
		cfg:         cfg,
		log:         log,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Monitor) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	checkTicker := time.NewTicker(m.cfg.CheckInterval)
	defer checkTicker.Stop()
	reaperTicker := time.NewTicker(m.cfg.ReaperInterval)
	defer reaperTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-checkTicker.C:
			m.runUnderLock(ctx, "health_check", m.runHealthCheck)
		case <-reaperTicker.C:
			m.runUnderLock(ctx, "orphan_reaper", m.reconcile)
		}
	}
}

func (m *Monitor) runUnderLock(ctx context.Context, taskName string, task func(ctx context.Context) error) {
	lock, acquired, err := m.lockManager.Acquire(ctx, taskName, m.cfg.LockTTLSeconds)
	if err != nil {
		m.log.Error("lock acquire failed for periodic task", slog.String("task", taskName), slog.String("error", err.Error()))
		return
	}
	if !acquired {
		m.log.Debug("did not win leadership for periodic task", slog.String("task", taskName))
		return
	}
	defer func() {
		if lock != nil {
			_ = lock.Release(context.Background())
		}
	}()

	start := time.Now()
	if err := task(ctx); err != nil {
		m.log.Error("periodic task failed", slog.String("task", taskName), slog.String("error", err.Error()), slog.Duration("duration", time.Since(start)))
		return
	}
	m.log.Debug("periodic task completed", slog.String("task", taskName), slog.Duration("duration", time.Since(start)))
}

// runHealthCheck checks every registered instance's connection state and
// logs per-item failures without aborting the batch.
func (m *Monitor) runHealthCheck(ctx context.Context) error {
	names, err := m.lister.ListNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := m.check(ctx, name); err != nil {
			m.log.Error("health check failed for instance", slog.String("instance", name), slog.String("error", err.Error()))
		}
	}
	return nil
}
