package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/models"
)

const defaultListLimit = 100

// Entry is an audit record to append. Request IP and user agent are filled in
// from the context when the request middleware stored them.
type Entry struct {
	WorkspaceID string
	WebhookID   string
	Action      models.AuditAction
	ChangedBy   string
	Changes     map[string]interface{}
}

type Filter struct {
	WebhookID string
	Action    models.AuditAction
	Limit     int
}

type RequestMeta struct {
	IPAddress string
	UserAgent string
}

type metaKey struct{}

func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}

func RequestMetaFrom(ctx context.Context) (RequestMeta, bool) {
	meta, ok := ctx.Value(metaKey{}).(RequestMeta)
	return meta, ok
}

// Logger is an append-only writer over webhook_audit_logs. There is no update
// or delete path apart from retention purging.
type Logger struct {
	db  *database.DB
	now func() time.Time
}

func NewLogger(db *database.DB) *Logger {
	return &Logger{db: db, now: time.Now}
}

func (l *Logger) Record(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return l.insert(ctx, l.db, e)
}

// RecordTx appends within tx so the entry commits or rolls back with the change it describes.
func (l *Logger) RecordTx(ctx context.Context, tx *sql.Tx, e Entry) error {
	return l.insert(ctx, tx, e)
}

func (l *Logger) insert(ctx context.Context, q database.Querier, e Entry) error {
	var changes sql.NullString
	if len(e.Changes) > 0 {
		b, err := json.Marshal(e.Changes)
		if err != nil {
			return fmt.Errorf("marshal audit changes: %w", err)
		}
		changes = sql.NullString{String: string(b), Valid: true}
	}

	var webhookID, ip, ua sql.NullString
	if e.WebhookID != "" {
		webhookID = sql.NullString{String: e.WebhookID, Valid: true}
	}
	if meta, ok := RequestMetaFrom(ctx); ok {
		ip = sql.NullString{String: meta.IPAddress, Valid: meta.IPAddress != ""}
		ua = sql.NullString{String: meta.UserAgent, Valid: meta.UserAgent != ""}
	}

	query := l.db.Rebind(`
		INSERT INTO webhook_audit_logs (id, workspace_id, webhook_id, action, changed_by, changes, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := q.ExecContext(ctx, query, "audit_"+uuid.New().String(), e.WorkspaceID, webhookID, string(e.Action),
		e.ChangedBy, changes, ip, ua, database.Millis(l.now()))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns a workspace's entries, newest first.
func (l *Logger) List(ctx context.Context, workspaceID string, f Filter) ([]*models.AuditLogEntry, error) {
	query := `SELECT id, workspace_id, webhook_id, action, changed_by, changes, ip_address, user_agent, created_at
		FROM webhook_audit_logs WHERE workspace_id = ?`
	args := []interface{}{workspaceID}
	if f.WebhookID != "" {
		query += ` AND webhook_id = ?`
		args = append(args, f.WebhookID)
	}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(f.Action))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var action string
		var createdAt int64
		var webhookID, changes, ip, ua sql.NullString

		if err := rows.Scan(&e.ID, &e.WorkspaceID, &webhookID, &action, &e.ChangedBy, &changes, &ip, &ua, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.WebhookID = webhookID.String
		e.Action = models.AuditAction(action)
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		e.CreatedAt = database.FromMillis(createdAt)
		if changes.Valid {
			if err := json.Unmarshal([]byte(changes.String), &e.Changes); err != nil {
				return nil, fmt.Errorf("decode audit changes %s: %w", e.ID, err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PurgeBefore deletes entries older than cutoff. Only the retention job calls it.
func (l *Logger) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.db.Rebind(`DELETE FROM webhook_audit_logs WHERE created_at < ?`), database.Millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	return res.RowsAffected()
}
