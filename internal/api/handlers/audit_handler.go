package handlers

import (
	"net/http"
	"strconv"

	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/audit"
	"hookrelay/internal/platform/models"
)

type AuditHandler struct {
	audit *audit.Logger
}

func NewAuditHandler(auditLog *audit.Logger) *AuditHandler {
	return &AuditHandler{audit: auditLog}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		WebhookID: q.Get("webhook_id"),
		Action:    models.AuditAction(q.Get("action")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			errors.WriteDomainError(w, errors.Validation("invalid query", map[string]string{"limit": "must be between 1 and 500"}))
			return
		}
		f.Limit = n
	}

	entries, err := h.audit.List(r.Context(), workspace(r).ID, f)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
