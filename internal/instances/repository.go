package instances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelchat/wa-delivery/internal/database"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrAlreadyEnabled   = errors.New("organization already has an enabled whatsapp instance")
)

// Repository persists Instance Registrations in Postgres. Transient
// connection failures are retried with exponential backoff via
// database.WithRetry, the same taxonomy the gateway client's send path
// classifies errors with.
type Repository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewRepository(pool *pgxpool.Pool, log *slog.Logger) *Repository {
	return &Repository{pool: pool, log: log}
}

// Register atomically inserts a new registration with status=pending,
// enabled=true. The unique index on (organization_id, type, enabled) where
// enabled is true is what actually enforces the at-most-one-enabled
// invariant under concurrent creators; this call surfaces that as
// ErrAlreadyEnabled rather than a raw constraint-violation error.
func (r *Repository) Register(ctx context.Context, p RegisterParams) (*Instance, error) {
	inst := &Instance{
		ID:             uuid.New(),
		OrganizationID: p.OrganizationID,
		ClinicID:       p.ClinicID,
		Type:           "whatsapp",
		Provider:       "evolution",
		InstanceName:   p.InstanceName,
		WebhookToken:   p.WebhookToken,
		WebhookURL:     p.WebhookURL,
		Status:         StatusPending,
		Enabled:        true,
		Config:         p.Config,
	}
	err := database.WithRetry(ctx, r.log, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO instances (
				id, organization_id, clinic_id, type, provider, instance_name,
				webhook_token, webhook_url, status, enabled, config
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, inst.ID, inst.OrganizationID, inst.ClinicID, inst.Type, inst.Provider,
			inst.InstanceName, inst.WebhookToken, inst.WebhookURL, inst.Status, inst.Enabled, inst.Config)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyEnabled
		}
		return nil, fmt.Errorf("register instance: %w", err)
	}
	return inst, nil
}

// GetByOrganization finds the enabled WhatsApp registration for an
// organization, if any.
func (r *Repository) GetByOrganization(ctx context.Context, organizationID string) (*Instance, error) {
	var inst Instance
	err := database.WithRetry(ctx, r.log, func() error {
		row := r.pool.QueryRow(ctx, `
			SELECT id, organization_id, clinic_id, type, provider, instance_name,
			       webhook_token, webhook_url, phone_number, status, enabled,
			       connected_at, last_seen_at, config, created_at, updated_at
			FROM instances
			WHERE organization_id=$1 AND type='whatsapp' AND enabled=true
		`, organizationID)
		return scanInstance(row, &inst)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("get instance by organization: %w", err)
	}
	return &inst, nil
}

// GetByName finds a registration by its globally-unique instance name.
func (r *Repository) GetByName(ctx context.Context, instanceName string) (*Instance, error) {
	var inst Instance
	err := database.WithRetry(ctx, r.log, func() error {
		row := r.pool.QueryRow(ctx, `
			SELECT id, organization_id, clinic_id, type, provider, instance_name,
			       webhook_token, webhook_url, phone_number, status, enabled,
			       connected_at, last_seen_at, config, created_at, updated_at
			FROM instances WHERE instance_name=$1
		`, instanceName)
		return scanInstance(row, &inst)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("get instance by name: %w", err)
	}
	return &inst, nil
}

// UpdateStatus sets status, last_seen_at and optionally phone_number and
// connected_at, called from the health monitor. It never deletes rows.
func (r *Repository) UpdateStatus(ctx context.Context, instanceName string, status Status, phoneNumber string) error {
	now := time.Now().UTC()
	var connectedAt *time.Time
	if status == StatusActive {
		connectedAt = &now
	}
	return database.WithRetry(ctx, r.log, func() error {
		res, err := r.pool.Exec(ctx, `
			UPDATE instances
			SET status=$2, last_seen_at=$3,
			    phone_number = CASE WHEN $4 <> '' THEN $4 ELSE phone_number END,
			    connected_at = COALESCE($5, connected_at),
			    updated_at = NOW()
			WHERE instance_name=$1
		`, instanceName, status, now, phoneNumber, connectedAt)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return ErrInstanceNotFound
		}
		return nil
	})
}

// Delete removes a registration row. Callers MUST have already performed
// the upstream delete, notifier, and cache-invalidation steps per the
// delete discipline.
func (r *Repository) Delete(ctx context.Context, instanceName string) error {
	return database.WithRetry(ctx, r.log, func() error {
		res, err := r.pool.Exec(ctx, `DELETE FROM instances WHERE instance_name=$1`, instanceName)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return ErrInstanceNotFound
		}
		return nil
	})
}

// ListNames returns every registered instance name, used by the orphan
// reaper to diff against the upstream gateway's instance list.
func (r *Repository) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	err := database.WithRetry(ctx, r.log, func() error {
		rows, err := r.pool.Query(ctx, `SELECT instance_name FROM instances`)
		if err != nil {
			return err
		}
		defer rows.Close()
		names = names[:0]
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return err
			}
			names = append(names, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list instance names: %w", err)
	}
	return names, nil
}

func scanInstance(row pgx.Row, inst *Instance) error {
	var phoneNumber *string
	if err := row.Scan(
		&inst.ID, &inst.OrganizationID, &inst.ClinicID, &inst.Type, &inst.Provider,
		&inst.InstanceName, &inst.WebhookToken, &inst.WebhookURL, &phoneNumber,
		&inst.Status, &inst.Enabled, &inst.ConnectedAt, &inst.LastSeenAt,
		&inst.Config, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return err
	}
	if phoneNumber != nil {
		inst.PhoneNumber = *phoneNumber
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
