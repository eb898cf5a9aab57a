package handlers

import (
	"net/http"
	"strconv"

	"hookrelay/internal/engine/delivery"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/models"
)

const maxPageSize = 500

type DeliveryHandler struct {
	deliveries *delivery.Service
}

func NewDeliveryHandler(svc *delivery.Service) *DeliveryHandler {
	return &DeliveryHandler{deliveries: svc}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := deliveryFilter(r)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	list, err := h.deliveries.ListDeliveries(r.Context(), workspace(r).ID, param(r, "webhook_id"), f)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	if list == nil {
		list = []*models.Delivery{}
	}
	writeJSON(w, http.StatusOK, list)
}

func deliveryFilter(r *http.Request) (delivery.ListFilter, error) {
	q := r.URL.Query()
	f := delivery.ListFilter{Status: models.DeliveryStatus(q.Get("status")), Limit: 50}

	fields := map[string]string{}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			fields["limit"] = "must be between 1 and 500"
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fields["offset"] = "must be a non-negative integer"
		}
		f.Offset = n
	}
	if len(fields) > 0 {
		return f, errors.Validation("invalid query", fields)
	}
	return f, nil
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.deliveries.GetDelivery(r.Context(), workspace(r).ID, param(r, "delivery_id"))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deliveries.Health(r.Context(), workspace(r).ID, param(r, "webhook_id"))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Replay queues a fresh copy of a failed or dead-lettered delivery.
func (h *DeliveryHandler) Replay(w http.ResponseWriter, r *http.Request) {
	ws := workspace(r)
	d, err := h.deliveries.Replay(r.Context(), ws.ID, param(r, "delivery_id"), ws.UserID)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}
