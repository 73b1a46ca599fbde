package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/provisioner/internal/database/models"
)

// artifactRepo implements ArtifactRepository. Bodies are encrypted at rest
// when an encryptor is configured because SIP blocks carry plaintext secrets.
type artifactRepo struct {
	db  *DB
	enc *Encryptor
}

// NewArtifactRepository creates a new ArtifactRepository. enc may be nil.
func NewArtifactRepository(db *DB, enc *Encryptor) ArtifactRepository {
	return &artifactRepo{db: db, enc: enc}
}

const artifactColumns = `id, extension, kind, source, context, body, status, attempts, last_error, created_at, applied_at`

// GetByExtension returns the outbox row of the given kind for ext, or nil.
func (r *artifactRepo) GetByExtension(ctx context.Context, ext, kind string) (*models.PendingArtifact, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM pending_artifacts WHERE extension = ? AND kind = ?`, ext, kind)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning artifact: %w", err)
	}
	if err := r.decrypt(a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListPending returns up to limit pending rows that have been attempted
// fewer than maxAttempts times, oldest first. Rows that were never attempted
// are only returned once created before settledBefore, so a run that is
// still writing its own rows is left alone.
func (r *artifactRepo) ListPending(ctx context.Context, maxAttempts int, settledBefore time.Time, limit int) ([]models.PendingArtifact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM pending_artifacts
		 WHERE status = ? AND attempts < ? AND (attempts > 0 OR created_at < ?)
		 ORDER BY id LIMIT ?`, models.ArtifactPending, maxAttempts, settledBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.PendingArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact row: %w", err)
		}
		if err := r.decrypt(a); err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// MarkApplied records a successful append.
func (r *artifactRepo) MarkApplied(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_artifacts SET status = ?, attempts = attempts + 1, last_error = '', applied_at = ?
		 WHERE id = ?`, models.ArtifactApplied, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking artifact %d applied: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed append attempt; the row stays pending.
func (r *artifactRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_artifacts SET attempts = attempts + 1, last_error = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("marking artifact %d failed: %w", id, err)
	}
	return nil
}

// CountPending returns the number of rows still waiting to be applied.
func (r *artifactRepo) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_artifacts WHERE status = ?`, models.ArtifactPending,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending artifacts: %w", err)
	}
	return n, nil
}

func (r *artifactRepo) decrypt(a *models.PendingArtifact) error {
	if r.enc == nil {
		return nil
	}
	body, err := r.enc.Decrypt(a.Body)
	if err != nil {
		return fmt.Errorf("decrypting artifact %d: %w", a.ID, err)
	}
	a.Body = body
	return nil
}

// insertArtifact inserts a pending outbox row on c. The body is encrypted
// with enc when non-nil; a's Body field keeps the plaintext.
func insertArtifact(ctx context.Context, c conn, enc *Encryptor, a *models.PendingArtifact) error {
	body := a.Body
	if enc != nil {
		var err error
		if body, err = enc.Encrypt(body); err != nil {
			return fmt.Errorf("encrypting artifact body: %w", err)
		}
	}
	now := time.Now().UTC()
	a.Status = models.ArtifactPending
	err := c.QueryRowContext(ctx,
		`INSERT INTO pending_artifacts (extension, kind, source, context, body, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		a.Extension, a.Kind, a.Source, a.Context, body, a.Status, now,
	).Scan(&a.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateError{Field: "artifact", Value: a.Extension + "/" + a.Kind, Err: err}
		}
		return fmt.Errorf("inserting artifact: %w", err)
	}
	a.CreatedAt = now
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(s scanner) (*models.PendingArtifact, error) {
	var a models.PendingArtifact
	var appliedAt sql.NullTime
	if err := s.Scan(&a.ID, &a.Extension, &a.Kind, &a.Source, &a.Context, &a.Body,
		&a.Status, &a.Attempts, &a.LastError, &a.CreatedAt, &appliedAt); err != nil {
		return nil, err
	}
	if appliedAt.Valid {
		a.AppliedAt = &appliedAt.Time
	}
	return &a, nil
}
