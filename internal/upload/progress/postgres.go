package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docsrv/ingest/internal/common"
)

// PostgresTier is the slowest, most durable level, backed by the
// progress_cache table. Expired rows are ignored on read and cleared by
// PurgeExpired from the retention loop.
type PostgresTier struct {
	db *sql.DB
}

func NewPostgresTier(db *sql.DB) *PostgresTier {
	return &PostgresTier{db: db}
}

func (t *PostgresTier) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := t.db.QueryRowContext(ctx,
		`SELECT value FROM progress_cache WHERE key=$1 AND expires_at > now()`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("select progress %s: %w", key, err)
	}
	return value, nil
}

func (t *PostgresTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO progress_cache (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, expires_at=EXCLUDED.expires_at`,
		key, value, time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("upsert progress %s: %w", key, err)
	}
	return nil
}

func (t *PostgresTier) Delete(ctx context.Context, key string) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM progress_cache WHERE key=$1`, key)
	if err != nil {
		return fmt.Errorf("delete progress %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes rows past their expiry and reports how many went.
func (t *PostgresTier) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM progress_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge progress cache: %w", err)
	}
	return res.RowsAffected()
}
