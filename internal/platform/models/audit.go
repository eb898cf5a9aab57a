package models

import "time"

type AuditAction string

const (
	AuditWebhookCreated   AuditAction = "webhook_created"
	AuditWebhookUpdated   AuditAction = "webhook_updated"
	AuditWebhookDeleted   AuditAction = "webhook_deleted"
	AuditSecretRotated    AuditAction = "secret_rotated"
	AuditSecretRevoked    AuditAction = "secret_revoked"
	AuditSecretsCleaned   AuditAction = "secrets_cleaned"
	AuditDeliveryFailed   AuditAction = "delivery_failed"
	AuditDeliveryReplayed AuditAction = "delivery_replayed"
)

type AuditLogEntry struct {
	ID          string                 `json:"id"`
	WorkspaceID string                 `json:"workspace_id"`
	WebhookID   string                 `json:"webhook_id,omitempty"`
	Action      AuditAction            `json:"action"`
	ChangedBy   string                 `json:"changed_by"`
	Changes     map[string]interface{} `json:"changes,omitempty"`
	IPAddress   string                 `json:"ip_address,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
