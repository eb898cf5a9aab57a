package database_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/database/dbtest"
	"hookrelay/migrations"
)

func TestRebind(t *testing.T) {
	q := `UPDATE webhooks SET name = ? WHERE id = ? AND workspace_id = ?`

	assert.Equal(t, q, database.Rebind(database.DialectSQLite, q))
	assert.Equal(t,
		`UPDATE webhooks SET name = $1 WHERE id = $2 AND workspace_id = $3`,
		database.Rebind(database.DialectPostgres, q))
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := dbtest.New(t)

	ran, err := database.Migrate(context.Background(), db, migrations.FS)
	require.NoError(t, err)
	assert.Empty(t, ran)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db := database.Wrap(sqlDB, database.DialectSQLite)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO webhooks").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = db.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO webhooks (id) VALUES (?)`, "wh_1"); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxCommits(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db := database.Wrap(sqlDB, database.DialectSQLite)

	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, db.WithTx(context.Background(), func(tx *sql.Tx) error { return nil }))
	assert.NoError(t, mock.ExpectationsWereMet())
}
