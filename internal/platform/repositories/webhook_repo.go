package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/models"
)

const webhookColumns = `id, workspace_id, name, url, events, is_active, created_by, created_at, updated_at`

type WebhookRepository struct {
	db *database.DB
}

func NewWebhookRepository(db *database.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func (r *WebhookRepository) CreateTx(ctx context.Context, tx *sql.Tx, w *models.Webhook) error {
	query := r.db.Rebind(`
		INSERT INTO webhooks (` + webhookColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := tx.ExecContext(ctx, query, w.ID, w.WorkspaceID, w.Name, w.URL, w.Events,
		database.BoolInt(w.IsActive), w.CreatedBy, database.Millis(w.CreatedAt), database.Millis(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

// GetByID returns NotFound when the webhook does not exist or belongs to another workspace.
func (r *WebhookRepository) GetByID(ctx context.Context, workspaceID, id string) (*models.Webhook, error) {
	return r.get(ctx, r.db, workspaceID, id)
}

func (r *WebhookRepository) GetByIDTx(ctx context.Context, tx *sql.Tx, workspaceID, id string) (*models.Webhook, error) {
	return r.get(ctx, tx, workspaceID, id)
}

func (r *WebhookRepository) get(ctx context.Context, q database.Querier, workspaceID, id string) (*models.Webhook, error) {
	query := r.db.Rebind(`SELECT ` + webhookColumns + ` FROM webhooks WHERE id = ? AND workspace_id = ?`)
	w, err := scanWebhook(q.QueryRowContext(ctx, query, id, workspaceID))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("webhook not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (r *WebhookRepository) List(ctx context.Context, workspaceID string, activeOnly bool) ([]*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE workspace_id = ?`
	args := []interface{}{workspaceID}
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

// ListSubscribers returns the active webhooks of a workspace subscribed to eventType.
// Events are a JSON array, so matching happens after the workspace-scoped read.
func (r *WebhookRepository) ListSubscribers(ctx context.Context, workspaceID, eventType string) ([]*models.Webhook, error) {
	active, err := r.List(ctx, workspaceID, true)
	if err != nil {
		return nil, err
	}

	var matched []*models.Webhook
	for _, w := range active {
		if w.Events.Contains(eventType) {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

func (r *WebhookRepository) UpdateTx(ctx context.Context, tx *sql.Tx, w *models.Webhook) error {
	query := r.db.Rebind(`
		UPDATE webhooks
		SET name = ?, url = ?, events = ?, is_active = ?, updated_at = ?
		WHERE id = ? AND workspace_id = ?
	`)
	res, err := tx.ExecContext(ctx, query, w.Name, w.URL, w.Events, database.BoolInt(w.IsActive),
		database.Millis(w.UpdatedAt), w.ID, w.WorkspaceID)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return expectRow(res, "webhook not found")
}

// LockTx touches the webhook row so concurrent rotations for the same webhook
// serialize on it. Returns NotFound for ids outside the workspace.
func (r *WebhookRepository) LockTx(ctx context.Context, tx *sql.Tx, workspaceID, id string, now time.Time) error {
	query := r.db.Rebind(`UPDATE webhooks SET updated_at = ? WHERE id = ? AND workspace_id = ?`)
	res, err := tx.ExecContext(ctx, query, database.Millis(now), id, workspaceID)
	if err != nil {
		return fmt.Errorf("lock webhook: %w", err)
	}
	return expectRow(res, "webhook not found")
}

func (r *WebhookRepository) DeleteTx(ctx context.Context, tx *sql.Tx, workspaceID, id string) error {
	res, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM webhooks WHERE id = ? AND workspace_id = ?`), id, workspaceID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return expectRow(res, "webhook not found")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	var w models.Webhook
	var isActive int
	var createdAt, updatedAt int64

	err := row.Scan(&w.ID, &w.WorkspaceID, &w.Name, &w.URL, &w.Events, &isActive, &w.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	w.IsActive = isActive == 1
	w.CreatedAt = database.FromMillis(createdAt)
	w.UpdatedAt = database.FromMillis(updatedAt)
	return &w, nil
}

func expectRow(res sql.Result, notFound string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NotFound(notFound)
	}
	return nil
}
