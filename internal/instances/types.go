package instances

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one WhatsApp instance registration.
type Status string

const (
	StatusPending      Status = "pending"
	StatusQRPending    Status = "qr_pending"
	StatusConnecting   Status = "connecting"
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
	StatusDisabled     Status = "disabled"
	StatusError        Status = "error"
)

// Instance is the system-of-record row for one WhatsApp integration.
type Instance struct {
	ID                  uuid.UUID
	OrganizationID      string
	ClinicID            string
	Type                string
	Provider            string
	InstanceName        string
	WebhookToken        string
	WebhookURL          string
	PhoneNumber         string
	Status              Status
	Enabled             bool
	ConnectedAt         *time.Time
	LastSeenAt          *time.Time
	Config              map[string]string
	CredentialsVaultRef string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RegisterParams carries the fields needed to create a new registration.
type RegisterParams struct {
	OrganizationID string
	ClinicID       string
	InstanceName   string
	WebhookToken   string
	WebhookURL     string
	Config         map[string]string
}

// CacheEntry is the hot-path snapshot kept in Redis, keyed by both
// instance name and webhook token.
type CacheEntry struct {
	InstanceID     uuid.UUID `json:"instance_id"`
	OrganizationID string    `json:"organization_id"`
	InstanceName   string    `json:"instance_name"`
	WebhookToken   string    `json:"webhook_token"`
	Status         Status    `json:"status"`
	Enabled        bool      `json:"enabled"`
}
