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

const secretColumns = `s.id, s.webhook_id, s.secret_hash, s.secret_prefix, s.sealed_secret, s.is_active,
	s.created_at, s.expires_at, s.rotated_by, s.revoked_at, s.revoked_by, s.revoke_reason`

type SecretRepository struct {
	db *database.DB
}

func NewSecretRepository(db *database.DB) *SecretRepository {
	return &SecretRepository{db: db}
}

func (r *SecretRepository) InsertTx(ctx context.Context, tx *sql.Tx, s *models.WebhookSecret) error {
	query := r.db.Rebind(`
		INSERT INTO webhook_secrets (id, webhook_id, secret_hash, secret_prefix, sealed_secret, is_active,
			created_at, expires_at, rotated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := tx.ExecContext(ctx, query, s.ID, s.WebhookID, s.SecretHash, s.SecretPrefix, s.SealedSecret,
		database.BoolInt(s.IsActive), database.Millis(s.CreatedAt), database.NullMillis(s.ExpiresAt), s.RotatedBy)
	if err != nil {
		return fmt.Errorf("insert secret: %w", err)
	}
	return nil
}

// ListValid returns secrets usable for verification at now: the active one and
// superseded ones whose expiry lies in the future. Active first, newest first.
func (r *SecretRepository) ListValid(ctx context.Context, webhookID string, now time.Time) ([]*models.WebhookSecret, error) {
	return r.listValid(ctx, r.db, webhookID, now)
}

func (r *SecretRepository) ListValidTx(ctx context.Context, tx *sql.Tx, webhookID string, now time.Time) ([]*models.WebhookSecret, error) {
	return r.listValid(ctx, tx, webhookID, now)
}

func (r *SecretRepository) listValid(ctx context.Context, q database.Querier, webhookID string, now time.Time) ([]*models.WebhookSecret, error) {
	query := r.db.Rebind(`
		SELECT ` + secretColumns + `
		FROM webhook_secrets s
		WHERE s.webhook_id = ?
		  AND ((s.is_active = 1 AND s.expires_at IS NULL) OR s.expires_at > ?)
		ORDER BY s.is_active DESC, s.created_at DESC, s.id
	`)
	return r.query(ctx, q, query, webhookID, database.Millis(now))
}

// ListByWebhook returns every stored secret of a workspace's webhook, newest first.
func (r *SecretRepository) ListByWebhook(ctx context.Context, workspaceID, webhookID string) ([]*models.WebhookSecret, error) {
	query := r.db.Rebind(`
		SELECT ` + secretColumns + `
		FROM webhook_secrets s
		JOIN webhooks w ON w.id = s.webhook_id
		WHERE s.webhook_id = ? AND w.workspace_id = ?
		ORDER BY s.created_at DESC, s.id
	`)
	return r.query(ctx, r.db, query, webhookID, workspaceID)
}

// GetByIDTx loads a secret only if its webhook belongs to workspaceID.
func (r *SecretRepository) GetByIDTx(ctx context.Context, tx *sql.Tx, workspaceID, id string) (*models.WebhookSecret, error) {
	query := r.db.Rebind(`
		SELECT ` + secretColumns + `
		FROM webhook_secrets s
		JOIN webhooks w ON w.id = s.webhook_id
		WHERE s.id = ? AND w.workspace_id = ?
	`)
	s, err := scanSecret(tx.QueryRowContext(ctx, query, id, workspaceID))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("secret not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return s, nil
}

// ExpireActiveTx demotes the active secret of a webhook, keeping it valid until expiresAt.
func (r *SecretRepository) ExpireActiveTx(ctx context.Context, tx *sql.Tx, webhookID string, expiresAt time.Time) (int64, error) {
	query := r.db.Rebind(`UPDATE webhook_secrets SET is_active = 0, expires_at = ? WHERE webhook_id = ? AND is_active = 1`)
	res, err := tx.ExecContext(ctx, query, database.Millis(expiresAt), webhookID)
	if err != nil {
		return 0, fmt.Errorf("expire active secret: %w", err)
	}
	return res.RowsAffected()
}

func (r *SecretRepository) RevokeTx(ctx context.Context, tx *sql.Tx, id string, now time.Time, revokedBy, reason string) error {
	query := r.db.Rebind(`
		UPDATE webhook_secrets
		SET is_active = 0, expires_at = ?, revoked_at = ?, revoked_by = ?, revoke_reason = ?
		WHERE id = ?
	`)
	res, err := tx.ExecContext(ctx, query, database.Millis(now), database.Millis(now), revokedBy, reason, id)
	if err != nil {
		return fmt.Errorf("revoke secret: %w", err)
	}
	return expectRow(res, "secret not found")
}

// ExpiredSecret identifies an inactive secret past its expiry, with the workspace
// of its webhook for auditing.
type ExpiredSecret struct {
	ID          string
	WebhookID   string
	WorkspaceID string
}

func (r *SecretRepository) ListExpired(ctx context.Context, now time.Time) ([]ExpiredSecret, error) {
	query := r.db.Rebind(`
		SELECT s.id, s.webhook_id, w.workspace_id
		FROM webhook_secrets s
		JOIN webhooks w ON w.id = s.webhook_id
		WHERE s.is_active = 0 AND s.expires_at IS NOT NULL AND s.expires_at <= ?
		ORDER BY s.webhook_id, s.id
	`)
	rows, err := r.db.QueryContext(ctx, query, database.Millis(now))
	if err != nil {
		return nil, fmt.Errorf("list expired secrets: %w", err)
	}
	defer rows.Close()

	var out []ExpiredSecret
	for rows.Next() {
		var e ExpiredSecret
		if err := rows.Scan(&e.ID, &e.WebhookID, &e.WorkspaceID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExpiredTx removes one expired secret. The expiry condition is repeated so
// a secret re-activated in between is never removed.
func (r *SecretRepository) DeleteExpiredTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) (int64, error) {
	query := r.db.Rebind(`DELETE FROM webhook_secrets WHERE id = ? AND is_active = 0 AND expires_at IS NOT NULL AND expires_at <= ?`)
	res, err := tx.ExecContext(ctx, query, id, database.Millis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired secret: %w", err)
	}
	return res.RowsAffected()
}

func (r *SecretRepository) DeleteByWebhookTx(ctx context.Context, tx *sql.Tx, webhookID string) error {
	_, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM webhook_secrets WHERE webhook_id = ?`), webhookID)
	if err != nil {
		return fmt.Errorf("delete webhook secrets: %w", err)
	}
	return nil
}

func (r *SecretRepository) query(ctx context.Context, q database.Querier, query string, args ...interface{}) ([]*models.WebhookSecret, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query secrets: %w", err)
	}
	defer rows.Close()

	var secrets []*models.WebhookSecret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		secrets = append(secrets, s)
	}
	return secrets, rows.Err()
}

func scanSecret(row rowScanner) (*models.WebhookSecret, error) {
	var s models.WebhookSecret
	var isActive int
	var createdAt int64
	var expiresAt, revokedAt sql.NullInt64
	var revokedBy, revokeReason sql.NullString

	err := row.Scan(&s.ID, &s.WebhookID, &s.SecretHash, &s.SecretPrefix, &s.SealedSecret, &isActive,
		&createdAt, &expiresAt, &s.RotatedBy, &revokedAt, &revokedBy, &revokeReason)
	if err != nil {
		return nil, err
	}

	s.IsActive = isActive == 1
	s.CreatedAt = database.FromMillis(createdAt)
	s.ExpiresAt = database.TimePtr(expiresAt)
	s.RevokedAt = database.TimePtr(revokedAt)
	s.RevokedBy = revokedBy.String
	s.RevokeReason = revokeReason.String
	return &s, nil
}
