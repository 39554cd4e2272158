package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/dbx"
	"github.com/docsrv/ingest/internal/upload/models"
)

// PostgresRepository persists the session aggregate over two tables:
// upload_sessions and upload_files. The chunk manifest and the validation
// result are stored as jsonb columns on the file row. Atomicity of the
// compare-and-swap is provided by running check-and-update inside one
// transaction with the file row locked.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, session *models.UploadSession) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO upload_sessions (id, owner_id, tenant_id, status, correlation_id, created_at, expires_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			session.ID, session.OwnerID, session.TenantID, session.Status,
			session.CorrelationID, session.CreatedAt, session.ExpiresAt, session.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		for _, f := range session.Files {
			if err := insertFile(ctx, tx, f); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertFile(ctx context.Context, tx dbx.DBTX, f *models.FileUploadState) error {
	manifest, err := json.Marshal(f.Chunks)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	validation, err := marshalValidation(f.Validation)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO upload_files (id, session_id, ord, name, content_type, declared_size, received_bytes,
			status, manifest, validation, storage_handle, external_document_id, attempts, last_error, correlation_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		f.ID, f.SessionID, f.Order, f.Name, f.ContentType, f.DeclaredSize, f.ReceivedBytes,
		f.Status, manifest, validation, f.StorageHandle, f.ExternalDocumentID, f.Attempts, f.LastError, f.CorrelationID, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func marshalValidation(v *models.ValidationResult) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal validation: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) Get(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	return loadSession(ctx, r.db, sessionID)
}

const sessionColumns = `id, owner_id, tenant_id, status, correlation_id, created_at, expires_at, updated_at`

func loadSession(ctx context.Context, db dbx.DBTX, sessionID string) (*models.UploadSession, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id=$1`, sessionID)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrSessionNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}

	if err := loadFiles(ctx, db, s); err != nil {
		return nil, err
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.UploadSession, error) {
	s := &models.UploadSession{}
	var expires sql.NullTime
	err := row.Scan(&s.ID, &s.OwnerID, &s.TenantID, &s.Status, &s.CorrelationID, &s.CreatedAt, &expires, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		s.ExpiresAt = expires.Time
	}
	return s, nil
}

const fileColumns = `id, session_id, ord, name, content_type, declared_size, received_bytes,
	status, manifest, validation, storage_handle, external_document_id, attempts, last_error, correlation_id, updated_at`

func loadFiles(ctx context.Context, db dbx.DBTX, s *models.UploadSession) error {
	rows, err := db.QueryContext(ctx, `SELECT `+fileColumns+` FROM upload_files WHERE session_id=$1 ORDER BY ord`, s.ID)
	if err != nil {
		return fmt.Errorf("select files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return err
		}
		s.Files = append(s.Files, f)
	}
	return rows.Err()
}

func scanFile(row rowScanner) (*models.FileUploadState, error) {
	f := &models.FileUploadState{}
	var manifest, validation []byte
	err := row.Scan(&f.ID, &f.SessionID, &f.Order, &f.Name, &f.ContentType, &f.DeclaredSize, &f.ReceivedBytes,
		&f.Status, &manifest, &validation, &f.StorageHandle, &f.ExternalDocumentID, &f.Attempts, &f.LastError, &f.CorrelationID, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(manifest) > 0 {
		if err := json.Unmarshal(manifest, &f.Chunks); err != nil {
			return nil, fmt.Errorf("unmarshal manifest: %w", err)
		}
	}
	if len(validation) > 0 {
		f.Validation = &models.ValidationResult{}
		if err := json.Unmarshal(validation, f.Validation); err != nil {
			return nil, fmt.Errorf("unmarshal validation: %w", err)
		}
	}
	return f, nil
}

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*models.UploadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE 1=1`
	var args []any

	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		query += fmt.Sprintf(" AND owner_id=$%d", len(args))
	}
	if filter.ActiveOnly {
		query += ` AND status NOT IN ('completed', 'partially_failed', 'failed', 'cancelled')`
	}
	if !filter.ExpiredBefore.IsZero() {
		args = append(args, filter.ExpiredBefore)
		query += fmt.Sprintf(" AND expires_at IS NOT NULL AND expires_at < $%d", len(args))
	}
	if filter.FileStatus != "" {
		args = append(args, filter.FileStatus)
		query += fmt.Sprintf(" AND id IN (SELECT session_id FROM upload_files WHERE status=$%d)", len(args))
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []*models.UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, s := range result {
		if err := loadFiles(ctx, r.db, s); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r *PostgresRepository) CompareAndSwapFileStatus(ctx context.Context, sessionID, fileID string, from, to models.FileStatus, update func(*models.FileUploadState)) (*models.UploadSession, error) {
	var snapshot *models.UploadSession

	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		f, err := selectFileForUpdate(ctx, tx, sessionID, fileID)
		if err != nil {
			return err
		}
		if f.Status != from {
			return common.ErrStaleTransition
		}

		f.Status = to
		f.UpdatedAt = time.Now().UTC()
		if update != nil {
			update(f)
		}
		if err := writeFile(ctx, tx, f); err != nil {
			return err
		}
		if err := touchSession(ctx, tx, sessionID, f.UpdatedAt); err != nil {
			return err
		}

		snapshot, err = loadSession(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (r *PostgresRepository) UpdateFile(ctx context.Context, sessionID, fileID string, update func(*models.FileUploadState)) (*models.UploadSession, error) {
	var snapshot *models.UploadSession

	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		f, err := selectFileForUpdate(ctx, tx, sessionID, fileID)
		if err != nil {
			return err
		}

		if update != nil {
			update(f)
		}
		f.UpdatedAt = time.Now().UTC()
		if err := writeFile(ctx, tx, f); err != nil {
			return err
		}
		if err := touchSession(ctx, tx, sessionID, f.UpdatedAt); err != nil {
			return err
		}

		snapshot, err = loadSession(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func selectFileForUpdate(ctx context.Context, tx dbx.DBTX, sessionID, fileID string) (*models.FileUploadState, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM upload_files WHERE id=$1 AND session_id=$2 FOR UPDATE`, fileID, sessionID)

	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fileOrSessionMissing(ctx, tx, sessionID)
		}
		return nil, fmt.Errorf("select file: %w", err)
	}
	return f, nil
}

// fileOrSessionMissing distinguishes a missing file from a missing session so
// callers can return the right lifecycle error.
func fileOrSessionMissing(ctx context.Context, tx dbx.DBTX, sessionID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM upload_sessions WHERE id=$1`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("select session: %w", err)
	}
	return common.ErrFileNotFound
}

func writeFile(ctx context.Context, tx dbx.DBTX, f *models.FileUploadState) error {
	manifest, err := json.Marshal(f.Chunks)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	validation, err := marshalValidation(f.Validation)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE upload_files
		SET received_bytes=$1, status=$2, manifest=$3, validation=$4, storage_handle=$5,
			external_document_id=$6, attempts=$7, last_error=$8, correlation_id=$9, updated_at=$10
		WHERE id=$11`,
		f.ReceivedBytes, f.Status, manifest, validation, f.StorageHandle,
		f.ExternalDocumentID, f.Attempts, f.LastError, f.CorrelationID, f.UpdatedAt, f.ID)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
	return nil
}

func touchSession(ctx context.Context, tx dbx.DBTX, sessionID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE upload_sessions SET updated_at=$1 WHERE id=$2`, at, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetSessionStatus(ctx context.Context, sessionID string, to models.SessionStatus) (*models.UploadSession, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE upload_sessions SET status=$1, updated_at=$2 WHERE id=$3`,
		to, time.Now().UTC(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, common.ErrSessionNotFound
	}
	return loadSession(ctx, r.db, sessionID)
}

func (r *PostgresRepository) Delete(ctx context.Context, sessionID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return common.ErrSessionNotFound
	}
	return nil
}
