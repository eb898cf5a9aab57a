package delivery

import (
	"context"
	"database/sql"
	"time"

	"hookrelay/internal/engine/secrets"
	"hookrelay/internal/engine/signature"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/audit"
	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/repositories"
)

const recentWindow = 100

// SigningKeySource yields the current signing secret of a webhook.
type SigningKeySource interface {
	SigningKey(ctx context.Context, webhookID string) (*secrets.ActiveSecret, error)
}

type ListFilter = repositories.DeliveryFilter

// Health summarizes recent delivery behaviour of one webhook.
type Health struct {
	WebhookID           string     `json:"webhook_id"`
	IsActive            bool       `json:"is_active"`
	Total               int        `json:"total"`
	Pending             int        `json:"pending"`
	Delivered           int        `json:"delivered"`
	Failed              int        `json:"failed"`
	DeadLettered        int        `json:"dead_lettered"`
	SuccessRate         float64    `json:"success_rate"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Service is the read and admin side of the delivery log.
type Service struct {
	db         *database.DB
	deliveries *repositories.DeliveryRepository
	webhooks   *repositories.WebhookRepository
	queue      *Queue
	keys       SigningKeySource
	audit      *audit.Logger
}

func NewService(db *database.DB, queue *Queue, keys SigningKeySource, auditLog *audit.Logger) *Service {
	return &Service{
		db:         db,
		deliveries: repositories.NewDeliveryRepository(db),
		webhooks:   repositories.NewWebhookRepository(db),
		queue:      queue,
		keys:       keys,
		audit:      auditLog,
	}
}

func (s *Service) ListDeliveries(ctx context.Context, workspaceID, webhookID string, f ListFilter) ([]*models.Delivery, error) {
	if _, err := s.webhooks.GetByID(ctx, workspaceID, webhookID); err != nil {
		return nil, err
	}
	if f.Status != "" {
		switch f.Status {
		case models.DeliveryPending, models.DeliveryDelivered, models.DeliveryFailed, models.DeliveryDeadLettered:
		default:
			return nil, errors.Validation("invalid status filter", map[string]string{"status": "unknown delivery status"})
		}
	}
	list, err := s.deliveries.List(ctx, workspaceID, webhookID, f)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list deliveries")
	}
	return list, nil
}

func (s *Service) GetDelivery(ctx context.Context, workspaceID, id string) (*models.Delivery, error) {
	return s.deliveries.GetByID(ctx, workspaceID, id)
}

func (s *Service) Health(ctx context.Context, workspaceID, webhookID string) (*Health, error) {
	w, err := s.webhooks.GetByID(ctx, workspaceID, webhookID)
	if err != nil {
		return nil, err
	}

	counts, err := s.deliveries.CountByStatus(ctx, workspaceID, webhookID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to load delivery stats")
	}

	h := &Health{
		WebhookID:    webhookID,
		IsActive:     w.IsActive,
		Total:        counts.Total(),
		Pending:      counts.Pending,
		Delivered:    counts.Delivered,
		Failed:       counts.Failed,
		DeadLettered: counts.DeadLettered,
	}
	if finished := counts.Delivered + counts.Failed + counts.DeadLettered; finished > 0 {
		h.SuccessRate = float64(counts.Delivered) / float64(finished)
	}

	last, err := s.deliveries.LastFailure(ctx, workspaceID, webhookID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to load last failure")
	}
	if last != nil {
		at := last.UpdatedAt
		h.LastFailureAt = &at
		h.LastError = last.LastError
	}

	recent, err := s.deliveries.RecentStatuses(ctx, workspaceID, webhookID, recentWindow)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to load recent deliveries")
	}
	for _, st := range recent {
		if st == models.DeliveryDelivered {
			break
		}
		h.ConsecutiveFailures++
	}

	return h, nil
}

// Replay queues a failed or dead-lettered delivery again as a new delivery. The
// stored payload is re-signed with the webhook's current secret and sent to its
// current URL.
func (s *Service) Replay(ctx context.Context, workspaceID, deliveryID, replayedBy string) (*models.Delivery, error) {
	orig, err := s.deliveries.GetByID(ctx, workspaceID, deliveryID)
	if err != nil {
		return nil, err
	}
	if orig.Status != models.DeliveryDeadLettered && orig.Status != models.DeliveryFailed {
		return nil, errors.Conflict("only failed or dead-lettered deliveries can be replayed")
	}

	w, err := s.webhooks.GetByID(ctx, workspaceID, orig.WebhookID)
	if err != nil {
		return nil, err
	}
	if !w.IsActive {
		return nil, errors.Conflict("webhook is inactive")
	}

	key, err := s.keys.SigningKey(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	var replay *models.Delivery
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		replay, err = s.queue.EnqueueTx(ctx, tx, NewDelivery{
			WebhookID:   w.ID,
			WorkspaceID: workspaceID,
			EventType:   orig.EventType,
			URL:         w.URL,
			Payload:     orig.Payload,
			Signature:   signature.Sign(orig.Payload, key.Secret),
			SecretID:    key.ID,
		})
		if err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, audit.Entry{
			WorkspaceID: workspaceID,
			WebhookID:   w.ID,
			Action:      models.AuditDeliveryReplayed,
			ChangedBy:   replayedBy,
			Changes: map[string]interface{}{
				"original_delivery_id": orig.ID,
				"delivery_id":          replay.ID,
				"secret_id":            key.ID,
			},
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to replay delivery")
	}
	return replay, nil
}
