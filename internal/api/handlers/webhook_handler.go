package handlers

import (
	"net/http"
	"strconv"

	"hookrelay/internal/engine/webhooks"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/models"
)

type WebhookHandler struct {
	registry   *webhooks.Registry
	dispatcher *webhooks.Dispatcher
}

func NewWebhookHandler(registry *webhooks.Registry, dispatcher *webhooks.Dispatcher) *WebhookHandler {
	return &WebhookHandler{registry: registry, dispatcher: dispatcher}
}

// Create registers a webhook. The response carries the signing secret, which
// is not shown again.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	ws := workspace(r)

	var req struct {
		Name   string   `json:"name"`
		URL    string   `json:"url"`
		Events []string `json:"events"`
	}
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	res, err := h.registry.Create(r.Context(), webhooks.CreateInput{
		WorkspaceID: ws.ID,
		Name:        req.Name,
		URL:         req.URL,
		Events:      req.Events,
		CreatedBy:   ws.UserID,
	})
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	activeOnly, _ := strconv.ParseBool(q.Get("active"))

	list, err := h.registry.List(r.Context(), workspace(r).ID, webhooks.ListFilter{
		ActiveOnly: activeOnly,
		Event:      q.Get("event"),
	})
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	if list == nil {
		list = []*models.Webhook{}
	}

	writeJSON(w, http.StatusOK, list)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	wh, err := h.registry.Get(r.Context(), workspace(r).ID, param(r, "webhook_id"))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	ws := workspace(r)

	var req webhooks.UpdateInput
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	wh, err := h.registry.Update(r.Context(), ws.ID, param(r, "webhook_id"), req, ws.UserID)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (h *WebhookHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *WebhookHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *WebhookHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	ws := workspace(r)
	wh, err := h.registry.SetActive(r.Context(), ws.ID, param(r, "webhook_id"), active, ws.UserID)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ws := workspace(r)
	if err := h.registry.Delete(r.Context(), ws.ID, param(r, "webhook_id"), ws.UserID); err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Test queues a webhook.test delivery and returns it without waiting for the send.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	d, err := h.dispatcher.SendTest(r.Context(), workspace(r).ID, param(r, "webhook_id"))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}
