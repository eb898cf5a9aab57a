package handlers

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"hookrelay/internal/engine/secrets"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/models"
)

// maxGracePeriodHours bounds grace_period_hours before it becomes a
// time.Duration. The secret manager applies the configured maximum after that.
const maxGracePeriodHours = 24 * 365

type SecretHandler struct {
	secrets *secrets.Manager
}

func NewSecretHandler(mgr *secrets.Manager) *SecretHandler {
	return &SecretHandler{secrets: mgr}
}

func (h *SecretHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	ws := workspace(r)

	var req struct {
		GracePeriodHours *float64 `json:"grace_period_hours"`
		Secret           string   `json:"secret"`
	}
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	in := secrets.RotateInput{
		WorkspaceID:  ws.ID,
		WebhookID:    param(r, "webhook_id"),
		RotatedBy:    ws.UserID,
		CustomSecret: req.Secret,
	}
	if req.GracePeriodHours != nil {
		hours := *req.GracePeriodHours
		if math.IsNaN(hours) || hours < 0 || hours > maxGracePeriodHours {
			errors.WriteDomainError(w, errors.Validation("invalid input", map[string]string{
				"grace_period_hours": fmt.Sprintf("must be between 0 and %d", maxGracePeriodHours),
			}))
			return
		}
		grace := time.Duration(hours * float64(time.Hour))
		in.GracePeriod = &grace
	}

	res, err := h.secrets.Rotate(r.Context(), in)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// List returns secret metadata only; raw values are never returned here.
func (h *SecretHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.secrets.ListSecrets(r.Context(), workspace(r).ID, param(r, "webhook_id"))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	if list == nil {
		list = []*models.WebhookSecret{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *SecretHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ws := workspace(r)

	res, err := h.secrets.Revoke(r.Context(), secrets.RevokeInput{
		WorkspaceID: ws.ID,
		WebhookID:   param(r, "webhook_id"),
		SecretID:    param(r, "secret_id"),
		RevokedBy:   ws.UserID,
		Reason:      r.URL.Query().Get("reason"),
	})
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Verify checks a payload and signature header against the webhook's valid
// secrets, the way a receiver would.
func (h *SecretHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	if req.Signature == "" {
		errors.WriteDomainError(w, errors.Validation("invalid input", map[string]string{"signature": "is required"}))
		return
	}

	match, ok, err := h.secrets.Verify(r.Context(), workspace(r).ID, param(r, "webhook_id"), []byte(req.Payload), req.Signature)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	resp := struct {
		Valid         bool   `json:"valid"`
		SecretID      string `json:"secret_id,omitempty"`
		InGracePeriod bool   `json:"in_grace_period"`
	}{Valid: ok}
	if ok {
		resp.SecretID = match.SecretID
		resp.InGracePeriod = match.InGracePeriod
	}
	writeJSON(w, http.StatusOK, resp)
}
