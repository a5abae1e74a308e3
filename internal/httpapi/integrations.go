package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/funnelchat/wa-delivery/internal/instances"
)

// InstanceRegistrar matches instances.Service's register/delete surface.
type InstanceRegistrar interface {
	Register(ctx context.Context, organizationID, clinicID, webhookURLBase string) (instances.RegisterResult, error)
	Delete(ctx context.Context, instanceName string) error
}

type createRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	ClinicID       string `json:"clinic_id"`
}

var validate = validator.New()

type createResponse struct {
	InstanceName string `json:"instance_name"`
	WebhookToken string `json:"webhook_token"`
	WebhookURL   string `json:"webhook_url"`
	Reused       bool   `json:"reused"`
}

// Integrations serves POST /integrations/evolution/create and
// DELETE /integrations/evolution/<instance_name>.
type Integrations struct {
	registrar  InstanceRegistrar
	webhookURL string
	log        *slog.Logger
}

func NewIntegrations(registrar InstanceRegistrar, webhookURLBase string, log *slog.Logger) *Integrations {
	return &Integrations{registrar: registrar, webhookURL: webhookURLBase, log: log}
}

func (h *Integrations) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, "organization_id is required", http.StatusBadRequest)
		return
	}

	result, err := h.registrar.Register(r.Context(), req.OrganizationID, req.ClinicID, h.webhookURL)
	if err != nil {
		h.log.Error("instance registration failed", slog.String("organization_id", req.OrganizationID), slog.String("error", err.Error()))
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(createResponse{
		InstanceName: result.Instance.InstanceName,
		WebhookToken: result.Instance.WebhookToken,
		WebhookURL:   result.Instance.WebhookURL,
		Reused:       result.Reused,
	})
}

func (h *Integrations) Delete(w http.ResponseWriter, r *http.Request) {
	instanceName := chi.URLParam(r, "instance_name")
	if instanceName == "" {
		http.Error(w, "instance_name is required", http.StatusBadRequest)
		return
	}
	if err := h.registrar.Delete(r.Context(), instanceName); err != nil {
		h.log.Error("instance delete failed", slog.String("instance_name", instanceName), slog.String("error", err.Error()))
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
