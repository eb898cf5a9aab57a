package models

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "pending"
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryFailed       DeliveryStatus = "failed"
	DeliveryDeadLettered DeliveryStatus = "dead_lettered"
)

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed || s == DeliveryDeadLettered
}

// Delivery is one queued notification to one webhook. URL, payload and
// signature are captured at enqueue time and never change afterwards.
type Delivery struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"-"`
	WebhookID      string          `json:"webhook_id"`
	WorkspaceID    string          `json:"workspace_id"`
	EventType      string          `json:"event_type"`
	URL            string          `json:"url"`
	Payload        json.RawMessage `json:"payload"`
	Signature      string          `json:"signature"`
	SecretID       string          `json:"secret_id"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LastStatusCode int             `json:"last_status_code,omitempty"`
	LeaseOwner     string          `json:"-"`
	LeaseExpiresAt *time.Time      `json:"-"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
