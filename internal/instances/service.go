package instances

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/funnelchat/wa-delivery/internal/gateway"
)

// Gateway is the subset of the upstream client the service needs.
type Gateway interface {
	CreateInstance(ctx context.Context, instance, webhookURL string, events []string) error
	DeleteInstance(ctx context.Context, instance string) error
	FetchAllInstances(ctx context.Context) ([]string, error)
}

// Service orchestrates registry, cache, notifier, and upstream gateway
// mutations so that callers never see the registry and cache drift.
type Service struct {
	repo     *Repository
	cache    *Cache
	notifier *Notifier
	gateway  Gateway
	log      *slog.Logger

	resolveGroup singleflight.Group
}

func NewService(repo *Repository, cache *Cache, notifier *Notifier, gw Gateway, log *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, notifier: notifier, gateway: gw, log: log}
}

// RegisterResult reports whether an existing registration was reused
// instead of a new one being created.
type RegisterResult struct {
	Instance Instance
	Reused   bool
}

// Register creates a new instance registration, or reuses an existing
// enabled one for the organization if a concurrent creator already won
// the unique-constraint race.
func (s *Service) Register(ctx context.Context, organizationID, clinicID, webhookURLBase string) (RegisterResult, error) {
	instanceName := generateToken("inst")
	webhookToken := generateToken("whk")
	webhookURL := fmt.Sprintf("%s/webhooks/evolution/%s", webhookURLBase, webhookToken)

	inst, err := s.repo.Register(ctx, RegisterParams{
		OrganizationID: organizationID,
		ClinicID:       clinicID,
		InstanceName:   instanceName,
		WebhookToken:   webhookToken,
		WebhookURL:     webhookURL,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyEnabled) {
			existing, getErr := s.repo.GetByOrganization(ctx, organizationID)
			if getErr != nil {
				return RegisterResult{}, fmt.Errorf("fetch existing registration after race: %w", getErr)
			}
			return RegisterResult{Instance: *existing, Reused: true}, nil
		}
		return RegisterResult{}, err
	}

	if err := s.gateway.CreateInstance(ctx, inst.InstanceName, inst.WebhookURL, defaultEvents); err != nil {
		s.log.Error("upstream create_instance failed after registry insert",
			slog.String("instance_name", inst.InstanceName), slog.String("error", err.Error()))
		return RegisterResult{}, fmt.Errorf("create upstream instance: %w", err)
	}

	if err := s.cache.Put(ctx, CacheEntry{
		InstanceID: inst.ID, OrganizationID: inst.OrganizationID, InstanceName: inst.InstanceName,
		WebhookToken: inst.WebhookToken, Status: inst.Status, Enabled: inst.Enabled,
	}); err != nil {
		s.log.Warn("cache warm failed after register", slog.String("error", err.Error()))
	}
	if err := s.notifier.NotifyAdded(ctx, inst.InstanceName, inst.OrganizationID); err != nil {
		s.log.Warn("notify_added failed", slog.String("error", err.Error()))
	}

	return RegisterResult{Instance: *inst}, nil
}

var defaultEvents = []string{"messages.upsert", "connection.update", "qrcode.updated"}

// Delete performs the four-step delete discipline in the order the system
// requires: upstream delete, notify_removed, cache invalidate, then the
// registry row. Reversing this order can leave an orphaned upstream
// instance that collides with a later re-creation attempt, since the
// gateway enforces a per-phone device cap and forcibly disconnects older
// sessions rather than erroring cleanly.
func (s *Service) Delete(ctx context.Context, instanceName string) error {
	inst, err := s.repo.GetByName(ctx, instanceName)
	if err != nil {
		return err
	}

	if err := s.gateway.DeleteInstance(ctx, instanceName); err != nil {
		return fmt.Errorf("delete upstream instance: %w", err)
	}
	if err := s.notifier.NotifyRemoved(ctx, instanceName, inst.OrganizationID); err != nil {
		s.log.Warn("notify_removed failed", slog.String("instance_name", instanceName), slog.String("error", err.Error()))
	}
	if err := s.cache.Invalidate(ctx, instanceName, inst.WebhookToken); err != nil {
		s.log.Warn("cache invalidate failed during delete", slog.String("instance_name", instanceName), slog.String("error", err.Error()))
	}
	if err := s.repo.Delete(ctx, instanceName); err != nil {
		return fmt.Errorf("delete registry row: %w", err)
	}
	return nil
}

// ResolveInstance adapts ResolveByToken to the webhook package's
// TokenResolver interface, reporting only whether a live, enabled
// instance was found.
func (s *Service) ResolveInstance(ctx context.Context, token string) (string, bool, error) {
	entry, err := s.ResolveByToken(ctx, token)
	if err != nil {
		return "", false, err
	}
	if entry == nil || !entry.Enabled {
		return "", false, nil
	}
	return entry.InstanceName, true, nil
}

// ResolveByToken resolves a webhook token to its cache entry, reading
// through to the registry on a miss. A negative lookup (token unknown) is
// never cached. Concurrent misses for the same token (a burst of webhook
// deliveries arriving before the cache is warm) are collapsed into a
// single registry scan via singleflight rather than each issuing its own.
func (s *Service) ResolveByToken(ctx context.Context, token string) (*CacheEntry, error) {
	if entry, err := s.cache.ByToken(ctx, token); err != nil {
		return nil, err
	} else if entry != nil {
		return entry, nil
	}

	v, err, _ := s.resolveGroup.Do(token, func() (any, error) {
		return s.scanForToken(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*CacheEntry), nil
}

func (s *Service) scanForToken(ctx context.Context, token string) (*CacheEntry, error) {
	names, err := s.repo.ListNames(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		inst, err := s.repo.GetByName(ctx, name)
		if err != nil {
			continue
		}
		if inst.WebhookToken == token {
			entry := CacheEntry{
				InstanceID: inst.ID, OrganizationID: inst.OrganizationID, InstanceName: inst.InstanceName,
				WebhookToken: inst.WebhookToken, Status: inst.Status, Enabled: inst.Enabled,
			}
			if err := s.cache.Put(ctx, entry); err != nil {
				s.log.Warn("cache warm failed after token resolve", slog.String("error", err.Error()))
			}
			return &entry, nil
		}
	}
	return nil, nil
}

// ReconcileOrphans is invoked by the health monitor's orphan-reaper task.
// It diffs the upstream instance list against the registry in both
// directions, since the two stores can drift independently.
func (s *Service) ReconcileOrphans(ctx context.Context) error {
	upstream, err := s.gateway.FetchAllInstances(ctx)
	if err != nil {
		return fmt.Errorf("fetch upstream instances: %w", err)
	}
	registered, err := s.repo.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("list registered instances: %w", err)
	}

	registeredSet := make(map[string]bool, len(registered))
	for _, n := range registered {
		registeredSet[n] = true
	}
	upstreamSet := make(map[string]bool, len(upstream))
	for _, n := range upstream {
		upstreamSet[n] = true
	}

	for _, name := range upstream {
		if !registeredSet[name] {
			if err := s.gateway.DeleteInstance(ctx, name); err != nil {
				s.log.Error("failed to delete unregistered upstream instance", slog.String("instance_name", name), slog.String("error", err.Error()))
				continue
			}
			s.log.Info("deleted orphaned upstream instance", slog.String("instance_name", name))
		}
	}
	for _, name := range registered {
		if !upstreamSet[name] {
			inst, err := s.repo.GetByName(ctx, name)
			if err != nil {
				continue
			}
			if err := s.cache.Invalidate(ctx, name, inst.WebhookToken); err != nil {
				s.log.Warn("cache invalidate failed during reconcile", slog.String("instance_name", name), slog.String("error", err.Error()))
			}
			if err := s.repo.Delete(ctx, name); err != nil {
				s.log.Error("failed to delete dangling registry row", slog.String("instance_name", name), slog.String("error", err.Error()))
				continue
			}
			s.log.Info("deleted dangling registry row", slog.String("instance_name", name))
		}
	}
	return nil
}

// CheckHealth is invoked by the health monitor's periodic task; it maps
// the gateway's reported connection state onto the registry status.
func (s *Service) CheckHealth(ctx context.Context, instanceName string, state gateway.ConnectionState) error {
	var status Status
	switch state {
	case gateway.StateOpen:
		status = StatusActive
	case gateway.StateConnecting:
		status = StatusConnecting
	default:
		status = StatusDisconnected
	}
	return s.repo.UpdateStatus(ctx, instanceName, status, "")
}

func generateToken(prefix string) string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return prefix + "_" + hex.EncodeToString(b)
}
