package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/provisioner/internal/database/models"
)

// extensionRepo implements ExtensionRepository.
type extensionRepo struct {
	db *DB
}

// NewExtensionRepository creates a new ExtensionRepository.
func NewExtensionRepository(db *DB) ExtensionRepository {
	return &extensionRepo{db: db}
}

const extensionColumns = `id, extension, name, email, password_hash, user_id, status, voicemail_enabled, created_at, updated_at`

// GetByExtension returns an extension by its extension number.
func (r *extensionRepo) GetByExtension(ctx context.Context, ext string) (*models.Extension, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE extension = ?`, ext,
	))
}

// List returns all extensions ordered by extension number.
func (r *extensionRepo) List(ctx context.Context) ([]models.Extension, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions ORDER BY extension`)
	if err != nil {
		return nil, fmt.Errorf("querying extensions: %w", err)
	}
	defer rows.Close()

	var exts []models.Extension
	for rows.Next() {
		var e models.Extension
		if err := rows.Scan(&e.ID, &e.Extension, &e.Name, &e.Email, &e.PasswordHash,
			&e.UserID, &e.Status, &e.VoicemailEnabled, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning extension row: %w", err)
		}
		exts = append(exts, e)
	}
	return exts, rows.Err()
}

// InUse reports whether ext is held by any extension row or still referenced
// elsewhere. A number with history is never handed out again.
func (r *extensionRepo) InUse(ctx context.Context, ext string) (bool, error) {
	return exists(ctx, r.db,
		`SELECT
		   (SELECT COUNT(*) FROM extensions WHERE extension = ?) +
		   (SELECT COUNT(*) FROM extension_features WHERE extension = ?) +
		   (SELECT COUNT(*) FROM user_dids WHERE extension = ?) +
		   (SELECT COUNT(*) FROM pending_artifacts WHERE extension = ?) +
		   (SELECT COUNT(*) FROM auto_provisioning_log WHERE extension = ?)`,
		ext, ext, ext, ext, ext,
	)
}

// Count returns the number of extensions.
func (r *extensionRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extensions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting extensions: %w", err)
	}
	return n, nil
}

// insertExtension inserts e on c and fills in its ID.
func insertExtension(ctx context.Context, c conn, e *models.Extension) error {
	if e.Status == "" {
		e.Status = models.ExtensionActive
	}
	now := time.Now().UTC()
	err := c.QueryRowContext(ctx,
		`INSERT INTO extensions (extension, name, email, password_hash, user_id, status,
		 voicemail_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		e.Extension, e.Name, e.Email, e.PasswordHash, e.UserID, e.Status,
		e.VoicemailEnabled, now, now,
	).Scan(&e.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateError{Field: "extension", Value: e.Extension, Err: err}
		}
		return fmt.Errorf("inserting extension: %w", err)
	}
	e.CreatedAt, e.UpdatedAt = now, now
	return nil
}

func (r *extensionRepo) scanOne(row *sql.Row) (*models.Extension, error) {
	var e models.Extension
	err := row.Scan(&e.ID, &e.Extension, &e.Name, &e.Email, &e.PasswordHash,
		&e.UserID, &e.Status, &e.VoicemailEnabled, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning extension: %w", err)
	}
	return &e, nil
}
