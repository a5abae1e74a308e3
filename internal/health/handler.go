package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelchat/wa-delivery/internal/locks"
	"github.com/funnelchat/wa-delivery/internal/logging"
	"github.com/funnelchat/wa-delivery/internal/queue"
	"github.com/funnelchat/wa-delivery/internal/version"

	"log/slog"
)

type componentStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	CircuitState string `json:"circuit_state,omitempty"`
}

type readinessResponse struct {
	Ready      bool                       `json:"ready"`
	ObservedAt time.Time                  `json:"observed_at"`
	Checks     map[string]componentStatus `json:"checks"`
}

type instanceHealthResponse struct {
	QueueDepth        int64  `json:"queue_depth"`
	DLQDepth          int64  `json:"dlq_depth"`
	UpstreamConnected bool   `json:"upstream_connected"`
	Status            string `json:"status"`
	OwnerWorkerID     string `json:"owner_worker_id,omitempty"`
	OwnerAddr         string `json:"owner_addr,omitempty"`
}

// ConnectionChecker reports whether an instance currently reports an open
// connection upstream, used only by the whatsapp-specific health endpoint.
type ConnectionChecker interface {
	IsOpen(ctx context.Context, instance string) bool
}

// Locator resolves which worker process in the fleet owns delivery for an
// instance and that worker's advertised address, so an operator hitting
// this (web-role) process's health endpoint can find the process actually
// running that instance's workers. Satisfied by *workers.Registry.
type Locator interface {
	OwnerAddr(instanceName string) (workerID, addr string, ok bool)
}

// Handler serves the liveness, readiness, and per-instance health
// endpoints.
type Handler struct {
	db          *pgxpool.Pool
	lockManager locks.Manager
	queue       *queue.Queue
	connection  ConnectionChecker
	locator     Locator
}

func NewHandler(db *pgxpool.Pool, lockManager locks.Manager, q *queue.Queue, connection ConnectionChecker, locator Locator) *Handler {
	return &Handler{db: db, lockManager: lockManager, queue: q, connection: connection, locator: locator}
}

// Healthz is the liveness probe: always 200 while the process runs.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"service":    "wa-delivery",
		"version":    info.Version,
		"build_time": info.BuildTime,
		"git_commit": info.GitCommit,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz pings Postgres and performs a lock-manager round trip against
// Redis within a 3s budget. A degraded lock manager (circuit open) is
// reported rather than failing the whole probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	logger := logging.ContextLogger(r.Context(), nil)

	dbStatus, dbErr := h.checkDatabase(ctx)
	redisStatus, redisErr := h.checkLockManager(ctx)

	ready := dbStatus.Status == "healthy" && redisStatus.Status != "unhealthy"

	if dbErr != nil {
		logger.Error("database readiness check failed", slog.String("error", dbErr.Error()))
	}
	if redisErr != nil {
		logger.Error("lock manager readiness check failed", slog.String("error", redisErr.Error()), slog.String("circuit_state", redisStatus.CircuitState))
	}

	resp := readinessResponse{
		Ready:      ready,
		ObservedAt: time.Now().UTC(),
		Checks: map[string]componentStatus{
			"database": dbStatus,
			"redis":    redisStatus,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) checkDatabase(ctx context.Context) (componentStatus, error) {
	result := componentStatus{Status: "healthy"}
	start := time.Now()
	defer func() { result.DurationMs = time.Since(start).Milliseconds() }()

	if h.db == nil {
		err := fmt.Errorf("database not configured")
		result.Status = "unhealthy"
		result.Error = err.Error()
		return result, err
	}
	if err := h.db.Ping(ctx); err != nil {
		result.Status = "unhealthy"
		result.Error = err.Error()
		return result, err
	}
	return result, nil
}

func (h *Handler) checkLockManager(ctx context.Context) (componentStatus, error) {
	result := componentStatus{Status: "healthy"}
	start := time.Now()
	defer func() { result.DurationMs = time.Since(start).Milliseconds() }()

	if h.lockManager == nil {
		err := fmt.Errorf("lock manager not configured")
		result.Status = "unhealthy"
		result.Error = err.Error()
		return result, err
	}

	if provider, ok := h.lockManager.(interface{ GetState() locks.CircuitState }); ok {
		result.CircuitState = provider.GetState().String()
	}

	lock, acquired, err := h.lockManager.Acquire(ctx, "health:check:test", 5)
	switch {
	case err != nil:
		result.Status = "unhealthy"
		result.Error = err.Error()
	case !acquired:
		result.Status = "degraded"
		result.Error = "lock acquisition unsuccessful"
		err = errors.New(result.Error)
	case lock != nil && lock.GetValue() == "":
		result.Status = "degraded"
		result.Error = "fallback lock in use"
		err = errors.New(result.Error)
	}
	if lock != nil {
		_ = lock.Release(context.Background())
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return result, fmt.Errorf("lock manager check failed: %w", err)
	}
	return result, err
}

// InstanceHealth answers GET /health/whatsapp?instance=... with queue
// depth, dead-letter depth, and an aggregate status derived purely from
// queue depth thresholds plus the upstream connection state.
func (h *Handler) InstanceHealth(w http.ResponseWriter, r *http.Request) {
	instance := r.URL.Query().Get("instance")
	if instance == "" {
		http.Error(w, "missing instance query parameter", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	depth, err := h.queue.Depth(ctx, instance)
	if err != nil {
		http.Error(w, "failed to read queue depth", http.StatusInternalServerError)
		return
	}
	dlqDepth, err := h.queue.DLQDepth(ctx, instance)
	if err != nil {
		http.Error(w, "failed to read dlq depth", http.StatusInternalServerError)
		return
	}
	connected := h.connection != nil && h.connection.IsOpen(ctx, instance)

	status := "healthy"
	switch {
	case depth > 1000:
		status = "unhealthy"
	case depth > 100 || !connected:
		status = "degraded"
	}

	resp := instanceHealthResponse{
		QueueDepth:        depth,
		DLQDepth:          dlqDepth,
		UpstreamConnected: connected,
		Status:            status,
	}
	if h.locator != nil {
		if ownerID, addr, ok := h.locator.OwnerAddr(instance); ok {
			resp.OwnerWorkerID = ownerID
			resp.OwnerAddr = addr
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
