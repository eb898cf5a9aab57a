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

// ErrConcurrencyConflict is returned by Claim when another worker holds the lease
// or the delivery already left the pending state.
var ErrConcurrencyConflict = errors.Conflict("delivery is leased by another worker")

const deliveryColumns = `d.id, d.seq, d.webhook_id, d.workspace_id, d.event_type, d.url, d.payload, d.signature,
	d.secret_id, d.status, d.attempts, d.max_attempts, d.created_at, d.next_retry_at, d.delivered_at,
	d.last_error, d.last_status_code, d.lease_owner, d.lease_expires_at, d.updated_at`

type DeliveryFilter struct {
	Status models.DeliveryStatus
	Limit  int
	Offset int
}

// DeliveryCounts aggregates a webhook's deliveries by status.
type DeliveryCounts struct {
	Pending      int
	Delivered    int
	Failed       int
	DeadLettered int
}

func (c DeliveryCounts) Total() int {
	return c.Pending + c.Delivered + c.Failed + c.DeadLettered
}

type DeliveryRepository struct {
	db *database.DB
}

func NewDeliveryRepository(db *database.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

func (r *DeliveryRepository) Insert(ctx context.Context, d *models.Delivery) error {
	return r.insert(ctx, r.db, d)
}

func (r *DeliveryRepository) InsertTx(ctx context.Context, tx *sql.Tx, d *models.Delivery) error {
	return r.insert(ctx, tx, d)
}

func (r *DeliveryRepository) insert(ctx context.Context, q database.Querier, d *models.Delivery) error {
	query := r.db.Rebind(`
		INSERT INTO webhook_deliveries (id, seq, webhook_id, workspace_id, event_type, url, payload, signature,
			secret_id, status, attempts, max_attempts, created_at, next_retry_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := q.ExecContext(ctx, query, d.ID, d.Seq, d.WebhookID, d.WorkspaceID, d.EventType, d.URL,
		string(d.Payload), d.Signature, d.SecretID, string(d.Status), d.Attempts, d.MaxAttempts,
		database.Millis(d.CreatedAt), database.NullMillis(d.NextRetryAt), database.Millis(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// FetchDue returns pending deliveries whose retry time has come and whose lease
// is free. Only the oldest pending delivery of each webhook qualifies, which
// keeps deliveries to one endpoint in enqueue order.
func (r *DeliveryRepository) FetchDue(ctx context.Context, now time.Time, limit int) ([]*models.Delivery, error) {
	query := r.db.Rebind(`
		SELECT ` + deliveryColumns + `
		FROM webhook_deliveries d
		WHERE d.status = 'pending'
		  AND d.next_retry_at <= ?
		  AND (d.lease_expires_at IS NULL OR d.lease_expires_at < ?)
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_deliveries o
			WHERE o.webhook_id = d.webhook_id AND o.status = 'pending' AND o.seq < d.seq
		  )
		ORDER BY d.next_retry_at, d.seq
		LIMIT ?
	`)
	ms := database.Millis(now)
	return r.query(ctx, r.db, query, ms, ms, limit)
}

// Claim takes the lease on a pending delivery for owner until leaseUntil. The
// row must still match the snapshot d: same attempt count and still due. A
// snapshot another worker has already attempted fails with
// ErrConcurrencyConflict.
func (r *DeliveryRepository) Claim(ctx context.Context, d *models.Delivery, owner string, now, leaseUntil time.Time) error {
	query := r.db.Rebind(`
		UPDATE webhook_deliveries
		SET lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND attempts = ? AND next_retry_at <= ?
		  AND (lease_expires_at IS NULL OR lease_expires_at < ?)
	`)
	ms := database.Millis(now)
	res, err := r.db.ExecContext(ctx, query, owner, database.Millis(leaseUntil), ms, d.ID, d.Attempts, ms, ms)
	if err != nil {
		return fmt.Errorf("claim delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

// Release drops owner's lease without touching the delivery state.
func (r *DeliveryRepository) Release(ctx context.Context, id, owner string, now time.Time) error {
	query := r.db.Rebind(`
		UPDATE webhook_deliveries SET lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ?
	`)
	_, err := r.db.ExecContext(ctx, query, database.Millis(now), id, owner)
	if err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	return nil
}

// RecordOutcome persists the state carried by d and releases owner's lease.
// It reports false when the row is gone or the lease was lost.
func (r *DeliveryRepository) RecordOutcome(ctx context.Context, d *models.Delivery, owner string) (bool, error) {
	return r.recordOutcome(ctx, r.db, d, owner)
}

func (r *DeliveryRepository) RecordOutcomeTx(ctx context.Context, tx *sql.Tx, d *models.Delivery, owner string) (bool, error) {
	return r.recordOutcome(ctx, tx, d, owner)
}

func (r *DeliveryRepository) recordOutcome(ctx context.Context, q database.Querier, d *models.Delivery, owner string) (bool, error) {
	query := r.db.Rebind(`
		UPDATE webhook_deliveries
		SET status = ?, attempts = ?, next_retry_at = ?, delivered_at = ?, last_error = ?, last_status_code = ?,
			lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ?
	`)
	var lastErr sql.NullString
	if d.LastError != "" {
		lastErr = sql.NullString{String: d.LastError, Valid: true}
	}
	var statusCode sql.NullInt64
	if d.LastStatusCode != 0 {
		statusCode = sql.NullInt64{Int64: int64(d.LastStatusCode), Valid: true}
	}

	res, err := q.ExecContext(ctx, query, string(d.Status), d.Attempts, database.NullMillis(d.NextRetryAt),
		database.NullMillis(d.DeliveredAt), lastErr, statusCode, database.Millis(d.UpdatedAt), d.ID, owner)
	if err != nil {
		return false, fmt.Errorf("record delivery outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *DeliveryRepository) GetByID(ctx context.Context, workspaceID, id string) (*models.Delivery, error) {
	query := r.db.Rebind(`SELECT ` + deliveryColumns + ` FROM webhook_deliveries d WHERE d.id = ? AND d.workspace_id = ?`)
	d, err := scanDelivery(r.db.QueryRowContext(ctx, query, id, workspaceID))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("delivery not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

// List returns a webhook's deliveries newest first.
func (r *DeliveryRepository) List(ctx context.Context, workspaceID, webhookID string, f DeliveryFilter) ([]*models.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries d WHERE d.workspace_id = ? AND d.webhook_id = ?`
	args := []interface{}{workspaceID, webhookID}
	if f.Status != "" {
		query += ` AND d.status = ?`
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY d.seq DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	return r.query(ctx, r.db, r.db.Rebind(query), args...)
}

func (r *DeliveryRepository) CountByStatus(ctx context.Context, workspaceID, webhookID string) (DeliveryCounts, error) {
	query := r.db.Rebind(`
		SELECT status, COUNT(*) FROM webhook_deliveries
		WHERE workspace_id = ? AND webhook_id = ?
		GROUP BY status
	`)
	var c DeliveryCounts
	rows, err := r.db.QueryContext(ctx, query, workspaceID, webhookID)
	if err != nil {
		return c, fmt.Errorf("count deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch models.DeliveryStatus(status) {
		case models.DeliveryPending:
			c.Pending = n
		case models.DeliveryDelivered:
			c.Delivered = n
		case models.DeliveryFailed:
			c.Failed = n
		case models.DeliveryDeadLettered:
			c.DeadLettered = n
		}
	}
	return c, rows.Err()
}

// LastFailure returns the most recently updated delivery that carries an error, or nil.
func (r *DeliveryRepository) LastFailure(ctx context.Context, workspaceID, webhookID string) (*models.Delivery, error) {
	query := r.db.Rebind(`
		SELECT ` + deliveryColumns + ` FROM webhook_deliveries d
		WHERE d.workspace_id = ? AND d.webhook_id = ? AND d.last_error IS NOT NULL
		ORDER BY d.updated_at DESC, d.seq DESC
		LIMIT 1
	`)
	d, err := scanDelivery(r.db.QueryRowContext(ctx, query, workspaceID, webhookID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last failure: %w", err)
	}
	return d, nil
}

// RecentStatuses returns the statuses of the newest finished deliveries of a webhook.
func (r *DeliveryRepository) RecentStatuses(ctx context.Context, workspaceID, webhookID string, limit int) ([]models.DeliveryStatus, error) {
	query := r.db.Rebind(`
		SELECT status FROM webhook_deliveries
		WHERE workspace_id = ? AND webhook_id = ? AND status <> 'pending'
		ORDER BY seq DESC
		LIMIT ?
	`)
	rows, err := r.db.QueryContext(ctx, query, workspaceID, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent statuses: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryStatus
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, models.DeliveryStatus(s))
	}
	return out, rows.Err()
}

func (r *DeliveryRepository) DeleteByWebhookTx(ctx context.Context, tx *sql.Tx, webhookID string) (int64, error) {
	res, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM webhook_deliveries WHERE webhook_id = ?`), webhookID)
	if err != nil {
		return 0, fmt.Errorf("delete webhook deliveries: %w", err)
	}
	return res.RowsAffected()
}

func (r *DeliveryRepository) query(ctx context.Context, q database.Querier, query string, args ...interface{}) ([]*models.Delivery, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelivery(row rowScanner) (*models.Delivery, error) {
	var d models.Delivery
	var payload, status string
	var createdAt, updatedAt int64
	var nextRetryAt, deliveredAt, leaseExpiresAt, statusCode sql.NullInt64
	var lastError, leaseOwner sql.NullString

	err := row.Scan(&d.ID, &d.Seq, &d.WebhookID, &d.WorkspaceID, &d.EventType, &d.URL, &payload, &d.Signature,
		&d.SecretID, &status, &d.Attempts, &d.MaxAttempts, &createdAt, &nextRetryAt, &deliveredAt,
		&lastError, &statusCode, &leaseOwner, &leaseExpiresAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.Payload = []byte(payload)
	d.Status = models.DeliveryStatus(status)
	d.CreatedAt = database.FromMillis(createdAt)
	d.UpdatedAt = database.FromMillis(updatedAt)
	d.NextRetryAt = database.TimePtr(nextRetryAt)
	d.DeliveredAt = database.TimePtr(deliveredAt)
	d.LeaseExpiresAt = database.TimePtr(leaseExpiresAt)
	d.LastError = lastError.String
	d.LastStatusCode = int(statusCode.Int64)
	d.LeaseOwner = leaseOwner.String
	return &d, nil
}
