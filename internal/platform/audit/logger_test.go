package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/platform/database/dbtest"
	"hookrelay/internal/platform/models"
)

func TestRecordAndList(t *testing.T) {
	db := dbtest.New(t)
	l := NewLogger(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ctx := WithRequestMeta(context.Background(), RequestMeta{IPAddress: "10.0.0.1", UserAgent: "curl/8"})
	require.NoError(t, l.Record(ctx, Entry{
		WorkspaceID: "ws_a", WebhookID: "wh_1", Action: models.AuditWebhookCreated, ChangedBy: "user_1",
		Changes: map[string]interface{}{"url": "https://example.com"},
	}))

	now = now.Add(time.Minute)
	require.NoError(t, l.Record(context.Background(), Entry{
		WorkspaceID: "ws_a", WebhookID: "wh_1", Action: models.AuditSecretRotated, ChangedBy: "user_1",
	}))
	require.NoError(t, l.Record(context.Background(), Entry{
		WorkspaceID: "ws_b", WebhookID: "wh_2", Action: models.AuditWebhookCreated, ChangedBy: "user_2",
	}))

	entries, err := l.List(context.Background(), "ws_a", Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditSecretRotated, entries[0].Action)
	assert.Equal(t, models.AuditWebhookCreated, entries[1].Action)
	assert.Equal(t, "10.0.0.1", entries[1].IPAddress)
	assert.Equal(t, "curl/8", entries[1].UserAgent)
	assert.Equal(t, "https://example.com", entries[1].Changes["url"])

	entries, err = l.List(context.Background(), "ws_a", Filter{Action: models.AuditWebhookCreated})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordTxRollsBackWithCaller(t *testing.T) {
	db := dbtest.New(t)
	l := NewLogger(db)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := l.RecordTx(ctx, tx, Entry{WorkspaceID: "ws_a", Action: models.AuditWebhookDeleted, ChangedBy: "u"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := l.List(ctx, "ws_a", Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeBefore(t *testing.T) {
	db := dbtest.New(t)
	l := NewLogger(db)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ts := base.AddDate(0, 0, i)
		l.now = func() time.Time { return ts }
		require.NoError(t, l.Record(context.Background(), Entry{WorkspaceID: "ws_a", Action: models.AuditWebhookUpdated, ChangedBy: "u"}))
	}

	n, err := l.PurgeBefore(context.Background(), base.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := l.List(context.Background(), "ws_a", Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
