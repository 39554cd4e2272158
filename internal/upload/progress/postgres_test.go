package progress

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsrv/ingest/internal/common"
)

func TestPostgresTier_GetMiss(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT value FROM progress_cache WHERE key=\$1 AND expires_at > now\(\)`).
		WithArgs("progress:s1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	tier := NewPostgresTier(db)
	_, err = tier.Get(context.Background(), "progress:s1")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTier_GetHit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT value FROM progress_cache`).
		WithArgs("progress:s1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"sessionId":"s1"}`)))

	tier := NewPostgresTier(db)
	value, err := tier.Get(context.Background(), "progress:s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(value))
}

func TestPostgresTier_SetUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO progress_cache .* ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("progress:s1", []byte(`{}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tier := NewPostgresTier(db)
	require.NoError(t, tier.Set(context.Background(), "progress:s1", []byte(`{}`), time.Hour))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTier_PurgeExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM progress_cache WHERE expires_at <= now\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	tier := NewPostgresTier(db)
	n, err := tier.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
