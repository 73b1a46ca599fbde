package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/provisioner/internal/database/models"
)

// userRepo implements UserRepository.
type userRepo struct {
	db *DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *DB) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `id, username, email, password_hash, full_name, role, active, api_key, created_at, updated_at`

// GetByID returns a user by ID, or nil if not found.
func (r *userRepo) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id,
	))
}

// GetByUsername returns a user by username, or nil if not found.
func (r *userRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username,
	))
}

// UsernameExists reports whether username is taken.
func (r *userRepo) UsernameExists(ctx context.Context, username string) (bool, error) {
	return exists(ctx, r.db, `SELECT COUNT(*) FROM users WHERE username = ?`, username)
}

// EmailExists reports whether email is taken, ignoring case.
func (r *userRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	return exists(ctx, r.db, `SELECT COUNT(*) FROM users WHERE LOWER(email) = LOWER(?)`, email)
}

// Count returns the total number of users.
func (r *userRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// insertUser inserts u on c and fills in its ID.
func insertUser(ctx context.Context, c conn, u *models.User) error {
	now := time.Now().UTC()
	err := c.QueryRowContext(ctx,
		`INSERT INTO users (username, email, password_hash, full_name, role, active, api_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		u.Username, u.Email, u.PasswordHash, u.FullName, u.Role, u.Active, u.APIKey, now, now,
	).Scan(&u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			field := uniqueColumn(err)
			value := u.Username
			if field == "email" {
				value = u.Email
			}
			return &DuplicateError{Field: field, Value: value, Err: err}
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FullName,
		&u.Role, &u.Active, &u.APIKey, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// exists runs a COUNT(*) query and reports whether it found any rows.
func exists(ctx context.Context, c conn, query string, args ...any) (bool, error) {
	var n int64
	if err := c.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("checking existence: %w", err)
	}
	return n > 0, nil
}
