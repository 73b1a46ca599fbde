package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/provisioner/internal/database/models"
)

// auditRepo implements AuditRepository over auto_provisioning_log.
type auditRepo struct {
	db *DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *DB) AuditRepository {
	return &auditRepo{db: db}
}

// Append inserts one log entry. Entries are never updated or deleted.
func (r *auditRepo) Append(ctx context.Context, e *models.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO auto_provisioning_log (run_id, extension, action, detail, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		e.RunID, e.Extension, e.Action, e.Detail, e.Status, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListByExtension returns a page of entries for ext in insertion order along
// with the total number of entries for ext.
func (r *auditRepo) ListByExtension(ctx context.Context, ext string, limit, offset int) ([]models.AuditEntry, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM auto_provisioning_log WHERE extension = ?`, ext,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting audit entries: %w", err)
	}

	entries, err := r.list(ctx,
		`SELECT id, run_id, extension, action, detail, status, created_at
		 FROM auto_provisioning_log WHERE extension = ?
		 ORDER BY id LIMIT ? OFFSET ?`, ext, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListByRun returns every entry recorded for one provisioning run.
func (r *auditRepo) ListByRun(ctx context.Context, runID string) ([]models.AuditEntry, error) {
	return r.list(ctx,
		`SELECT id, run_id, extension, action, detail, status, created_at
		 FROM auto_provisioning_log WHERE run_id = ? ORDER BY id`, runID)
}

func (r *auditRepo) list(ctx context.Context, query string, args ...any) ([]models.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Extension, &e.Action, &e.Detail,
			&e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
