package handlers

import (
	"encoding/json"
	"net/http"

	"hookrelay/internal/engine/webhooks"
	"hookrelay/internal/pkg/errors"
)

// Emitter accepts domain events for asynchronous fan-out.
type Emitter interface {
	EmitDomainEvent(workspaceID, eventType string, data interface{})
}

type EventHandler struct {
	emitter Emitter
}

func NewEventHandler(emitter Emitter) *EventHandler {
	return &EventHandler{emitter: emitter}
}

// Emit takes a domain event from a CRM service. The response does not wait for
// dispatch; failures after intake are logged.
func (h *EventHandler) Emit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	if !webhooks.IsSubscribable(req.Event) {
		errors.WriteDomainError(w, errors.Validation("invalid input", map[string]string{"event": "unsupported event type"}))
		return
	}

	// Data must be a JSON object; it is decoded into the event's typed payload
	// when it fits one.
	var data interface{}
	if len(req.Data) > 0 && string(req.Data) != "null" {
		decoded, err := webhooks.DecodeData(req.Event, req.Data)
		if err != nil {
			errors.WriteDomainError(w, errors.Validation("invalid input", map[string]string{"data": "must be a JSON object"}))
			return
		}
		data = decoded
	}
	h.emitter.EmitDomainEvent(workspace(r).ID, req.Event, data)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
