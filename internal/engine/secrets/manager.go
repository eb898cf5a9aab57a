// Package secrets manages webhook signing secrets: issuing, rotating with a
// grace period, revoking and cleaning up expired ones.
package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hookrelay/internal/engine/signature"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/audit"
	"hookrelay/internal/platform/config"
	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/metrics"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/repositories"
)

const (
	DefaultSecretBytes    = 32
	MinCustomSecretLength = 24
	systemActor           = "system"
)

type RotateInput struct {
	WorkspaceID string
	WebhookID   string
	RotatedBy   string
	// GracePeriod overrides the configured default when set. Zero expires the
	// previous secret immediately.
	GracePeriod  *time.Duration
	CustomSecret string
}

// RotationResult carries the raw secret. It is returned once and never stored in clear.
type RotationResult struct {
	RawSecret       string     `json:"secret"`
	SecretID        string     `json:"secret_id"`
	SecretPrefix    string     `json:"secret_prefix"`
	GracePeriodEnds *time.Time `json:"grace_period_ends,omitempty"`
}

type IssuedSecret struct {
	RawSecret    string `json:"secret"`
	SecretID     string `json:"secret_id"`
	SecretPrefix string `json:"secret_prefix"`
}

type RevokeInput struct {
	WorkspaceID string
	// WebhookID, when set, must own SecretID.
	WebhookID string
	SecretID  string
	RevokedBy string
	Reason    string
}

type RevokeResult struct {
	SecretID       string        `json:"secret_id"`
	RevokedAt      time.Time     `json:"revoked_at"`
	AlreadyExpired bool          `json:"already_expired"`
	Replacement    *IssuedSecret `json:"replacement,omitempty"`
}

// ActiveSecret is an opened secret usable for signing or verification.
type ActiveSecret struct {
	ID            string
	Secret        string
	Prefix        string
	IsActive      bool
	InGracePeriod bool
	ExpiresAt     *time.Time
}

type CleanupResult struct {
	Cleaned int
	Errors  []error
}

type Manager struct {
	db       *database.DB
	webhooks *repositories.WebhookRepository
	secrets  *repositories.SecretRepository
	audit    *audit.Logger
	sealer   *Sealer
	cfg      config.SecretsConfig
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(mgr *Manager) { mgr.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

func NewManager(db *database.DB, sealer *Sealer, auditLog *audit.Logger, cfg config.SecretsConfig, opts ...Option) *Manager {
	m := &Manager{
		db:       db,
		webhooks: repositories.NewWebhookRepository(db),
		secrets:  repositories.NewSecretRepository(db),
		audit:    auditLog,
		sealer:   sealer,
		cfg:      cfg,
		logger:   log.Logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateSecret returns length crypto-random bytes, hex encoded.
func GenerateSecret(length int) (string, error) {
	if length <= 0 {
		length = DefaultSecretBytes
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func prefixOf(raw string) string {
	if len(raw) <= 8 {
		return raw + "..."
	}
	return raw[:8] + "..."
}

func binding(webhookID, secretID string) string {
	return webhookID + "/" + secretID
}

func (m *Manager) newRecord(raw, webhookID, by string, now time.Time) (*models.WebhookSecret, error) {
	id := "whsec_" + uuid.New().String()
	sealed, err := m.sealer.Seal(raw, binding(webhookID, id))
	if err != nil {
		return nil, err
	}
	return &models.WebhookSecret{
		ID:           id,
		WebhookID:    webhookID,
		SecretHash:   hashSecret(raw),
		SecretPrefix: prefixOf(raw),
		SealedSecret: sealed,
		IsActive:     true,
		CreatedAt:    now,
		RotatedBy:    by,
	}, nil
}

// IssueInitialTx stores the first active secret of a newly created webhook inside tx.
func (m *Manager) IssueInitialTx(ctx context.Context, tx *sql.Tx, webhookID, createdBy string) (*IssuedSecret, error) {
	return m.issueTx(ctx, tx, webhookID, createdBy, m.now())
}

func (m *Manager) issueTx(ctx context.Context, tx *sql.Tx, webhookID, by string, now time.Time) (*IssuedSecret, error) {
	raw, err := GenerateSecret(DefaultSecretBytes)
	if err != nil {
		return nil, err
	}
	rec, err := m.newRecord(raw, webhookID, by, now)
	if err != nil {
		return nil, err
	}
	if err := m.secrets.InsertTx(ctx, tx, rec); err != nil {
		return nil, err
	}
	return &IssuedSecret{RawSecret: raw, SecretID: rec.ID, SecretPrefix: rec.SecretPrefix}, nil
}

func (m *Manager) gracePeriod(requested *time.Duration) (time.Duration, error) {
	if requested == nil {
		return m.cfg.DefaultGracePeriod, nil
	}
	g := *requested
	if g < 0 || g > m.cfg.MaxGracePeriod {
		return 0, errors.Validation("invalid grace period", map[string]string{
			"grace_period": fmt.Sprintf("must be between 0 and %s", m.cfg.MaxGracePeriod),
		})
	}
	return g, nil
}

// Rotate replaces the active secret of a webhook. The previous secret stays
// valid for verification until the grace period ends.
func (m *Manager) Rotate(ctx context.Context, in RotateInput) (*RotationResult, error) {
	grace, err := m.gracePeriod(in.GracePeriod)
	if err != nil {
		return nil, err
	}

	raw := in.CustomSecret
	if raw != "" {
		if len(raw) < MinCustomSecretLength {
			return nil, errors.Validation("custom secret too short", map[string]string{
				"secret": fmt.Sprintf("must be at least %d characters", MinCustomSecretLength),
			})
		}
	} else if raw, err = GenerateSecret(DefaultSecretBytes); err != nil {
		return nil, err
	}

	now := m.now()
	expiresAt := now.Add(grace)
	var result RotationResult

	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.webhooks.LockTx(ctx, tx, in.WorkspaceID, in.WebhookID, now); err != nil {
			return err
		}

		if in.CustomSecret != "" {
			valid, err := m.secrets.ListValidTx(ctx, tx, in.WebhookID, now)
			if err != nil {
				return err
			}
			h := hashSecret(raw)
			for _, s := range valid {
				if subtle.ConstantTimeCompare([]byte(h), []byte(s.SecretHash)) == 1 {
					return errors.Validation("secret already in use", map[string]string{
						"secret": "must differ from every currently valid secret",
					})
				}
			}
		}

		demoted, err := m.secrets.ExpireActiveTx(ctx, tx, in.WebhookID, expiresAt)
		if err != nil {
			return err
		}

		rec, err := m.newRecord(raw, in.WebhookID, in.RotatedBy, now)
		if err != nil {
			return err
		}
		if err := m.secrets.InsertTx(ctx, tx, rec); err != nil {
			return err
		}

		changes := map[string]interface{}{
			"secret_id":            rec.ID,
			"secret_prefix":        rec.SecretPrefix,
			"grace_period_seconds": int64(grace / time.Second),
			"custom":               in.CustomSecret != "",
		}
		result = RotationResult{RawSecret: raw, SecretID: rec.ID, SecretPrefix: rec.SecretPrefix}
		if demoted > 0 {
			result.GracePeriodEnds = &expiresAt
			changes["previous_expires_at"] = expiresAt.Format(time.RFC3339)
		}

		return m.audit.RecordTx(ctx, tx, audit.Entry{
			WorkspaceID: in.WorkspaceID,
			WebhookID:   in.WebhookID,
			Action:      models.AuditSecretRotated,
			ChangedBy:   in.RotatedBy,
			Changes:     changes,
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to rotate secret")
	}

	m.metrics.IncRotation()
	m.logger.Info().
		Str("webhook_id", in.WebhookID).
		Str("secret_prefix", result.SecretPrefix).
		Dur("grace_period", grace).
		Msg("signing secret rotated")

	return &result, nil
}

// GetActiveSecrets returns the active secret and any superseded secret still in
// its grace period, opened for use.
func (m *Manager) GetActiveSecrets(ctx context.Context, webhookID string) ([]ActiveSecret, error) {
	now := m.now()
	rows, err := m.secrets.ListValid(ctx, webhookID, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to load secrets")
	}

	out := make([]ActiveSecret, 0, len(rows))
	for _, s := range rows {
		raw, err := m.sealer.Open(s.SealedSecret, binding(s.WebhookID, s.ID))
		if err != nil {
			m.logger.Error().Err(err).Str("webhook_id", webhookID).Str("secret_prefix", s.SecretPrefix).Msg("failed to open signing secret")
			continue
		}
		out = append(out, ActiveSecret{
			ID:            s.ID,
			Secret:        raw,
			Prefix:        s.SecretPrefix,
			IsActive:      s.IsActive,
			InGracePeriod: !s.IsActive,
			ExpiresAt:     s.ExpiresAt,
		})
	}
	return out, nil
}

// SigningKey returns the current active secret only.
func (m *Manager) SigningKey(ctx context.Context, webhookID string) (*ActiveSecret, error) {
	all, err := m.GetActiveSecrets(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].IsActive {
			return &all[i], nil
		}
	}
	return nil, errors.NotFound("webhook has no active signing secret")
}

// Verify checks a signature header against every valid secret of a workspace's webhook.
func (m *Manager) Verify(ctx context.Context, workspaceID, webhookID string, payload []byte, header string) (signature.Match, bool, error) {
	if _, err := m.webhooks.GetByID(ctx, workspaceID, webhookID); err != nil {
		return signature.Match{}, false, err
	}

	active, err := m.GetActiveSecrets(ctx, webhookID)
	if err != nil {
		return signature.Match{}, false, err
	}

	candidates := make([]signature.Candidate, len(active))
	for i, s := range active {
		candidates[i] = signature.Candidate{ID: s.ID, Secret: s.Secret, InGracePeriod: s.InGracePeriod}
	}
	match, ok := signature.VerifyAny(payload, header, candidates)
	return match, ok, nil
}

// Revoke expires a secret immediately, ignoring any grace period. Revoking the
// active secret issues a replacement in the same transaction.
func (m *Manager) Revoke(ctx context.Context, in RevokeInput) (*RevokeResult, error) {
	now := m.now()
	result := RevokeResult{SecretID: in.SecretID, RevokedAt: now}

	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		s, err := m.secrets.GetByIDTx(ctx, tx, in.WorkspaceID, in.SecretID)
		if err != nil {
			return err
		}
		if in.WebhookID != "" && s.WebhookID != in.WebhookID {
			return errors.NotFound("secret not found")
		}

		if err := m.webhooks.LockTx(ctx, tx, in.WorkspaceID, s.WebhookID, now); err != nil {
			return err
		}
		// Re-read under the lock; a concurrent rotation may have demoted it.
		if s, err = m.secrets.GetByIDTx(ctx, tx, in.WorkspaceID, in.SecretID); err != nil {
			return err
		}

		if !s.ValidAt(now) {
			result.AlreadyExpired = true
			if s.RevokedAt != nil {
				result.RevokedAt = *s.RevokedAt
			}
			return nil
		}

		wasActive := s.IsActive
		if err := m.secrets.RevokeTx(ctx, tx, s.ID, now, in.RevokedBy, in.Reason); err != nil {
			return err
		}

		changes := map[string]interface{}{
			"secret_id":     s.ID,
			"secret_prefix": s.SecretPrefix,
			"reason":        in.Reason,
			"was_active":    wasActive,
		}
		if wasActive {
			issued, err := m.issueTx(ctx, tx, s.WebhookID, in.RevokedBy, now)
			if err != nil {
				return err
			}
			result.Replacement = issued
			changes["replacement_secret_id"] = issued.SecretID
		}

		return m.audit.RecordTx(ctx, tx, audit.Entry{
			WorkspaceID: in.WorkspaceID,
			WebhookID:   s.WebhookID,
			Action:      models.AuditSecretRevoked,
			ChangedBy:   in.RevokedBy,
			Changes:     changes,
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to revoke secret")
	}

	if !result.AlreadyExpired {
		m.metrics.IncRevocation()
		m.logger.Warn().Str("secret_id", in.SecretID).Str("reason", in.Reason).Msg("signing secret revoked")
	}
	return &result, nil
}

// CleanupExpired deletes superseded secrets whose expiry has passed. Each
// webhook is cleaned in its own transaction so one failure does not block the rest.
func (m *Manager) CleanupExpired(ctx context.Context) (*CleanupResult, error) {
	now := m.now()
	expired, err := m.secrets.ListExpired(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list expired secrets")
	}

	result := &CleanupResult{}
	for i := 0; i < len(expired); {
		j := i
		for j < len(expired) && expired[j].WebhookID == expired[i].WebhookID {
			j++
		}
		group := expired[i:j]
		i = j

		cleaned := 0
		err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
			cleaned = 0
			ids := make([]string, 0, len(group))
			for _, e := range group {
				n, err := m.secrets.DeleteExpiredTx(ctx, tx, e.ID, now)
				if err != nil {
					return err
				}
				if n > 0 {
					cleaned++
					ids = append(ids, e.ID)
				}
			}
			if cleaned == 0 {
				return nil
			}
			return m.audit.RecordTx(ctx, tx, audit.Entry{
				WorkspaceID: group[0].WorkspaceID,
				WebhookID:   group[0].WebhookID,
				Action:      models.AuditSecretsCleaned,
				ChangedBy:   systemActor,
				Changes:     map[string]interface{}{"secret_ids": ids, "count": cleaned},
			})
		})
		if err != nil {
			m.logger.Error().Err(err).Str("webhook_id", group[0].WebhookID).Msg("failed to clean expired secrets")
			result.Errors = append(result.Errors, fmt.Errorf("webhook %s: %w", group[0].WebhookID, err))
			continue
		}
		result.Cleaned += cleaned
	}

	m.metrics.AddSecretsCleaned(result.Cleaned)
	if result.Cleaned > 0 {
		m.logger.Info().Int("cleaned", result.Cleaned).Msg("expired signing secrets removed")
	}
	return result, nil
}

// ListSecrets returns secret metadata for a workspace's webhook. Hashes and sealed
// values are never serialized.
func (m *Manager) ListSecrets(ctx context.Context, workspaceID, webhookID string) ([]*models.WebhookSecret, error) {
	if _, err := m.webhooks.GetByID(ctx, workspaceID, webhookID); err != nil {
		return nil, err
	}
	list, err := m.secrets.ListByWebhook(ctx, workspaceID, webhookID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list secrets")
	}
	return list, nil
}
