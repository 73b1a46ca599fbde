package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/provisioner/internal/database/models"
)

// didRepo implements DIDRepository.
type didRepo struct {
	db *DB
}

// NewDIDRepository creates a new DIDRepository.
func NewDIDRepository(db *DB) DIDRepository {
	return &didRepo{db: db}
}

// Assign inserts a DID assignment, demoting any existing primary for the
// extension first when a is primary.
func (r *didRepo) Assign(ctx context.Context, a *models.DIDAssignment) error {
	return r.db.WithTx(ctx, func(tx *Tx) error {
		return assignDID(ctx, tx, a)
	})
}

func assignDID(ctx context.Context, c conn, a *models.DIDAssignment) error {
	if a.Primary {
		if _, err := c.ExecContext(ctx,
			`UPDATE user_dids SET is_primary = ? WHERE extension = ? AND is_primary = ?`,
			false, a.Extension, true,
		); err != nil {
			return fmt.Errorf("demoting primary did for %s: %w", a.Extension, err)
		}
	}

	now := time.Now().UTC()
	err := c.QueryRowContext(ctx,
		`INSERT INTO user_dids (user_id, extension, did_number, is_primary, is_shared,
		 assignment_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		a.UserID, a.Extension, a.DIDNumber, a.Primary, a.Shared, a.AssignmentType, now,
	).Scan(&a.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateError{Field: "did", Value: a.DIDNumber, Err: err}
		}
		return fmt.Errorf("inserting did assignment: %w", err)
	}
	a.CreatedAt = now
	return nil
}

// ListByExtension returns the DID assignments for ext, primary first.
func (r *didRepo) ListByExtension(ctx context.Context, ext string) ([]models.DIDAssignment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, extension, did_number, is_primary, is_shared, assignment_type, created_at
		 FROM user_dids WHERE extension = ? ORDER BY is_primary DESC, id`, ext)
	if err != nil {
		return nil, fmt.Errorf("querying did assignments: %w", err)
	}
	defer rows.Close()

	var out []models.DIDAssignment
	for rows.Next() {
		var a models.DIDAssignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.Extension, &a.DIDNumber, &a.Primary,
			&a.Shared, &a.AssignmentType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning did assignment row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Enqueue records a pending request for a dedicated number.
func (r *didRepo) Enqueue(ctx context.Context, req *models.DIDRequest) error {
	now := time.Now().UTC()
	req.Status = models.DIDRequestPending
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO did_request_queue (user_id, extension, status, requested_at)
		 VALUES (?, ?, ?, ?)
		 RETURNING id`,
		req.UserID, req.Extension, req.Status, now,
	).Scan(&req.ID)
	if err != nil {
		return fmt.Errorf("enqueueing did request: %w", err)
	}
	req.RequestedAt = now
	return nil
}

// GetRequest returns a queued DID request by ID, or nil if not found.
func (r *didRepo) GetRequest(ctx context.Context, id int64) (*models.DIDRequest, error) {
	return scanDIDRequest(r.db.QueryRowContext(ctx,
		`SELECT id, user_id, extension, status, fulfilled_number, requested_at, fulfilled_at
		 FROM did_request_queue WHERE id = ?`, id))
}

// ListRequests returns queued DID requests, optionally filtered by status.
func (r *didRepo) ListRequests(ctx context.Context, status string) ([]models.DIDRequest, error) {
	query := `SELECT id, user_id, extension, status, fulfilled_number, requested_at, fulfilled_at
		 FROM did_request_queue`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying did requests: %w", err)
	}
	defer rows.Close()

	var out []models.DIDRequest
	for rows.Next() {
		var req models.DIDRequest
		var fulfilledAt sql.NullTime
		if err := rows.Scan(&req.ID, &req.UserID, &req.Extension, &req.Status,
			&req.FulfilledNumber, &req.RequestedAt, &fulfilledAt); err != nil {
			return nil, fmt.Errorf("scanning did request row: %w", err)
		}
		if fulfilledAt.Valid {
			req.FulfilledAt = &fulfilledAt.Time
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Fulfill assigns number as the primary dedicated DID of the request's
// extension and marks the request fulfilled, atomically.
func (r *didRepo) Fulfill(ctx context.Context, id int64, number string) (*models.DIDAssignment, error) {
	var assignment *models.DIDAssignment
	err := r.db.WithTx(ctx, func(tx *Tx) error {
		req, err := scanDIDRequest(tx.QueryRowContext(ctx,
			`SELECT id, user_id, extension, status, fulfilled_number, requested_at, fulfilled_at
			 FROM did_request_queue WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if req == nil {
			return fmt.Errorf("did request %d: %w", id, sql.ErrNoRows)
		}
		if req.Status != models.DIDRequestPending {
			return fmt.Errorf("did request %d is %s", id, req.Status)
		}

		a := &models.DIDAssignment{
			UserID:         req.UserID,
			Extension:      req.Extension,
			DIDNumber:      number,
			Primary:        true,
			Shared:         false,
			AssignmentType: models.AssignmentDedicated,
		}
		if err := assignDID(ctx, tx, a); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE did_request_queue SET status = ?, fulfilled_number = ?, fulfilled_at = ? WHERE id = ?`,
			models.DIDRequestFulfilled, number, time.Now().UTC(), id,
		); err != nil {
			return fmt.Errorf("marking did request fulfilled: %w", err)
		}
		assignment = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignment, nil
}

func scanDIDRequest(row *sql.Row) (*models.DIDRequest, error) {
	var req models.DIDRequest
	var fulfilledAt sql.NullTime
	err := row.Scan(&req.ID, &req.UserID, &req.Extension, &req.Status,
		&req.FulfilledNumber, &req.RequestedAt, &fulfilledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning did request: %w", err)
	}
	if fulfilledAt.Valid {
		req.FulfilledAt = &fulfilledAt.Time
	}
	return &req, nil
}
