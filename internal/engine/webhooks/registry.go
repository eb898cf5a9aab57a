package webhooks

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hookrelay/internal/engine/secrets"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/pkg/validator"
	"hookrelay/internal/platform/audit"
	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/repositories"
)

func init() {
	if err := validator.RegisterValidation("webhook_event", IsSubscribable); err != nil {
		panic(err)
	}
}

type CreateInput struct {
	WorkspaceID string   `json:"-" validate:"required"`
	Name        string   `json:"name" validate:"required,max=255"`
	URL         string   `json:"url" validate:"required,max=2048,webhook_url"`
	Events      []string `json:"events" validate:"required,min=1,unique,dive,webhook_event"`
	CreatedBy   string   `json:"-"`
}

// CreateResult carries the raw initial secret. It is never retrievable again.
type CreateResult struct {
	Webhook *models.Webhook       `json:"webhook"`
	Secret  *secrets.IssuedSecret `json:"secret"`
}

// UpdateInput holds a partial update; nil fields are left alone.
type UpdateInput struct {
	Name     *string   `json:"name"`
	URL      *string   `json:"url"`
	Events   *[]string `json:"events"`
	IsActive *bool     `json:"is_active"`
}

type ListFilter struct {
	ActiveOnly bool
	Event      string
}

// webhookFields is the validated shape of a webhook after an update is merged.
type webhookFields struct {
	Name   string   `json:"name" validate:"required,max=255"`
	URL    string   `json:"url" validate:"required,max=2048,webhook_url"`
	Events []string `json:"events" validate:"unique,dive,webhook_event"`
}

// Registry manages webhook subscriptions. Every lookup is scoped to a
// workspace and ids from other workspaces are reported as not found.
type Registry struct {
	db         *database.DB
	webhooks   *repositories.WebhookRepository
	secrets    *repositories.SecretRepository
	deliveries *repositories.DeliveryRepository
	issuer     *secrets.Manager
	audit      *audit.Logger
	logger     zerolog.Logger
	now        func() time.Time
}

type RegistryOption func(*Registry)

func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(db *database.DB, issuer *secrets.Manager, auditLog *audit.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		db:         db,
		webhooks:   repositories.NewWebhookRepository(db),
		secrets:    repositories.NewSecretRepository(db),
		deliveries: repositories.NewDeliveryRepository(db),
		issuer:     issuer,
		audit:      auditLog,
		logger:     log.Logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.URL = strings.TrimSpace(in.URL)
	if err := validator.Struct(in); err != nil {
		return nil, err
	}

	now := r.now()
	w := &models.Webhook{
		ID:          "wh_" + uuid.New().String(),
		WorkspaceID: in.WorkspaceID,
		Name:        in.Name,
		URL:         in.URL,
		Events:      models.StringList(in.Events),
		IsActive:    true,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var issued *secrets.IssuedSecret
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.webhooks.CreateTx(ctx, tx, w); err != nil {
			return err
		}
		var err error
		issued, err = r.issuer.IssueInitialTx(ctx, tx, w.ID, in.CreatedBy)
		if err != nil {
			return err
		}
		return r.audit.RecordTx(ctx, tx, audit.Entry{
			WorkspaceID: w.WorkspaceID,
			WebhookID:   w.ID,
			Action:      models.AuditWebhookCreated,
			ChangedBy:   in.CreatedBy,
			Changes: map[string]interface{}{
				"name":          w.Name,
				"url":           w.URL,
				"events":        []string(w.Events),
				"secret_id":     issued.SecretID,
				"secret_prefix": issued.SecretPrefix,
			},
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to create webhook")
	}

	r.logger.Info().Str("webhook_id", w.ID).Str("workspace_id", w.WorkspaceID).Msg("webhook created")
	return &CreateResult{Webhook: w, Secret: issued}, nil
}

func (r *Registry) Get(ctx context.Context, workspaceID, id string) (*models.Webhook, error) {
	return r.webhooks.GetByID(ctx, workspaceID, id)
}

func (r *Registry) List(ctx context.Context, workspaceID string, f ListFilter) ([]*models.Webhook, error) {
	if f.Event != "" && !IsSubscribable(f.Event) {
		return nil, errors.Validation("invalid event filter", map[string]string{"event": "is not a supported event type"})
	}

	list, err := r.webhooks.List(ctx, workspaceID, f.ActiveOnly)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list webhooks")
	}
	if f.Event == "" {
		return list, nil
	}

	filtered := list[:0]
	for _, w := range list {
		if w.Events.Contains(f.Event) {
			filtered = append(filtered, w)
		}
	}
	return filtered, nil
}

// ListSubscribers returns the active webhooks of a workspace subscribed to eventType.
func (r *Registry) ListSubscribers(ctx context.Context, workspaceID, eventType string) ([]*models.Webhook, error) {
	subs, err := r.webhooks.ListSubscribers(ctx, workspaceID, eventType)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to resolve subscribers")
	}
	return subs, nil
}

// Update applies a partial update. The merged webhook is validated before
// anything is written, and an active webhook must keep at least one event.
func (r *Registry) Update(ctx context.Context, workspaceID, id string, in UpdateInput, changedBy string) (*models.Webhook, error) {
	var updated *models.Webhook
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.webhooks.GetByIDTx(ctx, tx, workspaceID, id)
		if err != nil {
			return err
		}

		next := *existing
		next.Events = append(models.StringList(nil), existing.Events...)
		if in.Name != nil {
			next.Name = strings.TrimSpace(*in.Name)
		}
		if in.URL != nil {
			next.URL = strings.TrimSpace(*in.URL)
		}
		if in.Events != nil {
			next.Events = models.StringList(*in.Events)
		}
		if in.IsActive != nil {
			next.IsActive = *in.IsActive
		}

		if err := validator.Struct(webhookFields{Name: next.Name, URL: next.URL, Events: next.Events}); err != nil {
			return err
		}
		if next.IsActive && len(next.Events) == 0 {
			return errors.Validation("invalid input", map[string]string{"events": "must contain at least 1 item(s) while the webhook is active"})
		}

		changes := diff(existing, &next)
		if len(changes) == 0 {
			updated = existing
			return nil
		}

		next.UpdatedAt = r.now()
		if err := r.webhooks.UpdateTx(ctx, tx, &next); err != nil {
			return err
		}
		updated = &next

		return r.audit.RecordTx(ctx, tx, audit.Entry{
			WorkspaceID: workspaceID,
			WebhookID:   id,
			Action:      models.AuditWebhookUpdated,
			ChangedBy:   changedBy,
			Changes:     changes,
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to update webhook")
	}
	return updated, nil
}

// SetActive activates or deactivates a webhook. Deactivation stops new
// deliveries from being queued; deliveries already queued still go out.
func (r *Registry) SetActive(ctx context.Context, workspaceID, id string, active bool, changedBy string) (*models.Webhook, error) {
	return r.Update(ctx, workspaceID, id, UpdateInput{IsActive: &active}, changedBy)
}

// Delete removes a webhook together with its secrets and every delivery still
// queued for it. Audit entries are kept.
func (r *Registry) Delete(ctx context.Context, workspaceID, id, deletedBy string) error {
	var purged int64
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.webhooks.GetByIDTx(ctx, tx, workspaceID, id)
		if err != nil {
			return err
		}
		if purged, err = r.deliveries.DeleteByWebhookTx(ctx, tx, id); err != nil {
			return err
		}
		if err := r.secrets.DeleteByWebhookTx(ctx, tx, id); err != nil {
			return err
		}
		if err := r.webhooks.DeleteTx(ctx, tx, workspaceID, id); err != nil {
			return err
		}
		return r.audit.RecordTx(ctx, tx, audit.Entry{
			WorkspaceID: workspaceID,
			WebhookID:   id,
			Action:      models.AuditWebhookDeleted,
			ChangedBy:   deletedBy,
			Changes: map[string]interface{}{
				"name":              existing.Name,
				"url":               existing.URL,
				"purged_deliveries": purged,
			},
		})
	})
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to delete webhook")
	}

	r.logger.Info().Str("webhook_id", id).Int64("purged_deliveries", purged).Msg("webhook deleted")
	return nil
}

func diff(before, after *models.Webhook) map[string]interface{} {
	changes := make(map[string]interface{})
	if before.Name != after.Name {
		changes["name"] = map[string]interface{}{"from": before.Name, "to": after.Name}
	}
	if before.URL != after.URL {
		changes["url"] = map[string]interface{}{"from": before.URL, "to": after.URL}
	}
	if !sameEvents(before.Events, after.Events) {
		changes["events"] = map[string]interface{}{"from": []string(before.Events), "to": []string(after.Events)}
	}
	if before.IsActive != after.IsActive {
		changes["is_active"] = map[string]interface{}{"from": before.IsActive, "to": after.IsActive}
	}
	return changes
}

func sameEvents(a, b models.StringList) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
