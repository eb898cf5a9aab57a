package webhooks

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

type EventType string

const (
	ContactCreated EventType = "contact.created"
	ContactUpdated EventType = "contact.updated"
	ContactDeleted EventType = "contact.deleted"

	PropertyCreated EventType = "property.created"
	PropertyUpdated EventType = "property.updated"
	PropertyDeleted EventType = "property.deleted"

	TransactionCreated       EventType = "transaction.created"
	TransactionUpdated       EventType = "transaction.updated"
	TransactionDeleted       EventType = "transaction.deleted"
	TransactionStatusChanged EventType = "transaction.status_changed"

	CalendarEventCreated EventType = "calendar_event.created"
	CalendarEventUpdated EventType = "calendar_event.updated"
	CalendarEventDeleted EventType = "calendar_event.deleted"

	// TestEvent is only sent by SendTest and cannot be subscribed to.
	TestEvent EventType = "webhook.test"
)

var subscribable = map[EventType]bool{
	ContactCreated: true, ContactUpdated: true, ContactDeleted: true,
	PropertyCreated: true, PropertyUpdated: true, PropertyDeleted: true,
	TransactionCreated: true, TransactionUpdated: true, TransactionDeleted: true, TransactionStatusChanged: true,
	CalendarEventCreated: true, CalendarEventUpdated: true, CalendarEventDeleted: true,
}

// IsSubscribable reports whether a webhook may subscribe to eventType.
func IsSubscribable(eventType string) bool {
	return subscribable[EventType(eventType)]
}

// SupportedEvents lists the subscribable event types in a stable order.
func SupportedEvents() []string {
	out := make([]string, 0, len(subscribable))
	for e := range subscribable {
		out = append(out, string(e))
	}
	sort.Strings(out)
	return out
}

type ContactData struct {
	ID         string   `json:"id"`
	FirstName  string   `json:"first_name,omitempty"`
	LastName   string   `json:"last_name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Type       string   `json:"type,omitempty"` // buyer, seller, lead, vendor
	Tags       []string `json:"tags,omitempty"`
	AssignedTo string   `json:"assigned_to,omitempty"`
}

type PropertyData struct {
	ID         string  `json:"id"`
	MLSNumber  string  `json:"mls_number,omitempty"`
	Address    string  `json:"address,omitempty"`
	City       string  `json:"city,omitempty"`
	State      string  `json:"state,omitempty"`
	PostalCode string  `json:"postal_code,omitempty"`
	ListPrice  float64 `json:"list_price,omitempty"`
	Status     string  `json:"status,omitempty"` // active, pending, sold, off_market
	Bedrooms   int     `json:"bedrooms,omitempty"`
	Bathrooms  float64 `json:"bathrooms,omitempty"`
	SquareFeet int     `json:"square_feet,omitempty"`
}

type TransactionData struct {
	ID             string     `json:"id"`
	PropertyID     string     `json:"property_id,omitempty"`
	ContactIDs     []string   `json:"contact_ids,omitempty"`
	Type           string     `json:"type,omitempty"` // purchase, sale, lease
	Status         string     `json:"status,omitempty"`
	PreviousStatus string     `json:"previous_status,omitempty"`
	Amount         float64    `json:"amount,omitempty"`
	CommissionRate float64    `json:"commission_rate,omitempty"`
	ClosingDate    *time.Time `json:"closing_date,omitempty"`
}

type CalendarEventData struct {
	ID         string     `json:"id"`
	Title      string     `json:"title,omitempty"`
	Type       string     `json:"type,omitempty"` // showing, open_house, closing, meeting
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	Location   string     `json:"location,omitempty"`
	ContactID  string     `json:"contact_id,omitempty"`
	PropertyID string     `json:"property_id,omitempty"`
}

// DecodeData decodes an event's data into its typed payload. Shapes that do not
// fit the known struct, and unknown event families, come back as a generic map.
func DecodeData(eventType string, raw json.RawMessage) (interface{}, error) {
	var typed interface{}
	switch strings.SplitN(eventType, ".", 2)[0] {
	case "contact":
		typed = &ContactData{}
	case "property":
		typed = &PropertyData{}
	case "transaction":
		typed = &TransactionData{}
	case "calendar_event":
		typed = &CalendarEventData{}
	}

	if typed != nil {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(typed); err == nil {
			return typed, nil
		}
	}

	var opaque map[string]interface{}
	if err := json.Unmarshal(raw, &opaque); err != nil {
		return nil, err
	}
	return opaque, nil
}
