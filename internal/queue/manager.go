package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/funnelchat/wa-delivery/internal/observability"
	"github.com/funnelchat/wa-delivery/internal/ratelimit"
)

// Ownership decides whether this process should run delivery workers for a
// given instance, so a horizontally scaled worker fleet partitions
// instances by rendezvous hashing instead of every process consuming every
// stream redundantly. Satisfied by *workers.Registry; left nil (and
// unconsulted) in single-process deployments and in tests.
type Ownership interface {
	OwnsInstance(instanceName string) bool
}

// Manager owns one Worker per registered instance (or WorkersPerInstance of
// them, for horizontal fan-out within a single process), starting and
// stopping them as instances are registered and deleted. It mirrors the
// teacher's dispatch coordinator: a map of per-instance workers behind a
// mutex, grown and shrunk by explicit Register/Unregister calls rather than
// a poll loop, with notifications driving the latter at runtime.
type Manager struct {
	queue              *Queue
	sender             Sender
	limiter            *ratelimit.Limiter
	retry              RetryConfig
	log                *slog.Logger
	metrics            *observability.Metrics
	workersPerInstance int
	hostID             string
	ownership          Ownership
	claims             SendClaimer
	sendClaimTTL       time.Duration

	mu      sync.Mutex
	workers map[string][]*Worker
}

// NewManager builds a Manager. hostID distinguishes this process's
// consumers from other processes sharing the same instance's consumer
// group; workersPerInstance controls in-process fan-out and defaults to 1.
// ownership and claims may be nil: a nil ownership runs every instance's
// workers unconditionally, and a nil claims skips the redelivery
// duplicate-send guard (tests rely on both defaults).
func NewManager(q *Queue, sender Sender, limiter *ratelimit.Limiter, retry RetryConfig, workersPerInstance int, hostID string, ownership Ownership, claims SendClaimer, sendClaimTTL time.Duration, log *slog.Logger, metrics *observability.Metrics) *Manager {
	if workersPerInstance <= 0 {
		workersPerInstance = 1
	}
	return &Manager{
		queue:              q,
		sender:             sender,
		limiter:            limiter,
		retry:              retry,
		log:                log,
		metrics:            metrics,
		workersPerInstance: workersPerInstance,
		hostID:             hostID,
		ownership:          ownership,
		claims:             claims,
		sendClaimTTL:       sendClaimTTL,
		workers:            make(map[string][]*Worker),
	}
}

// RegisterInstance starts workersPerInstance Worker(s) for instanceName, or
// does nothing if workers for it are already running in this process, or if
// this process does not currently own instanceName in the worker fleet.
func (m *Manager) RegisterInstance(ctx context.Context, instanceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[instanceName]; exists {
		return nil
	}

	if m.ownership != nil && !m.ownership.OwnsInstance(instanceName) {
		m.log.Debug("instance not owned by this worker process, skipping", slog.String("instance", instanceName))
		return nil
	}

	workers := make([]*Worker, 0, m.workersPerInstance)
	for i := 0; i < m.workersPerInstance; i++ {
		consumer := fmt.Sprintf("%s-%d", m.hostID, i)
		w := NewWorker(instanceName, consumer, m.queue, m.sender, m.limiter, m.retry, m.claims, m.sendClaimTTL, m.log, m.metrics)
		if err := w.Start(ctx); err != nil {
			for _, started := range workers {
				_ = started.Stop(context.Background())
			}
			return fmt.Errorf("start worker %d for %s: %w", i, instanceName, err)
		}
		workers = append(workers, w)
	}

	m.workers[instanceName] = workers
	m.log.Info("registered delivery workers for instance",
		slog.String("instance", instanceName), slog.Int("count", len(workers)))
	return nil
}

// UnregisterInstance stops every worker running for instanceName in this
// process. Any entries still pending on the stream are left for
// claim_orphans on the next start, or another process's workers.
func (m *Manager) UnregisterInstance(ctx context.Context, instanceName string) {
	m.mu.Lock()
	workers, exists := m.workers[instanceName]
	delete(m.workers, instanceName)
	m.mu.Unlock()

	if !exists {
		return
	}
	for _, w := range workers {
		if err := w.Stop(ctx); err != nil {
			m.log.Warn("worker stop timed out", slog.String("instance", instanceName), slog.String("error", err.Error()))
		}
	}
	m.log.Info("unregistered delivery workers for instance", slog.String("instance", instanceName))
}

// Bootstrap registers workers for every instance name already known at
// startup, logging per-instance failures without aborting the batch.
func (m *Manager) Bootstrap(ctx context.Context, instanceNames []string) {
	for _, name := range instanceNames {
		if err := m.RegisterInstance(ctx, name); err != nil {
			m.log.Error("failed to bootstrap worker for instance", slog.String("instance", name), slog.String("error", err.Error()))
		}
	}
}

// WatchNotifications reacts to instance add/remove notifications for as
// long as ctx is alive, starting and stopping workers as instances come and
// go without requiring a process restart.
func (m *Manager) WatchNotifications(ctx context.Context, added, removed <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-added:
			if !ok {
				return
			}
			if err := m.RegisterInstance(ctx, name); err != nil {
				m.log.Error("failed to register worker after notification", slog.String("instance", name), slog.String("error", err.Error()))
			}
		case name, ok := <-removed:
			if !ok {
				return
			}
			m.UnregisterInstance(ctx, name)
		}
	}
}

// StopAll stops every worker across every instance, bounded by ctx's
// deadline (the shutdown budget), returning once all have exited or the
// deadline passes.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	all := m.workers
	m.workers = make(map[string][]*Worker)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for instanceName, workers := range all {
		for _, w := range workers {
			wg.Add(1)
			go func(instanceName string, w *Worker) {
				defer wg.Done()
				if err := w.Stop(ctx); err != nil {
					m.log.Warn("worker did not stop within shutdown budget", slog.String("instance", instanceName), slog.String("error", err.Error()))
				}
			}(instanceName, w)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// InstanceCount reports how many instances currently have workers running
// in this process, used only for logging/metrics.
func (m *Manager) InstanceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
