package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/flowpbx/provisioner/internal/database/models"
)

// systemConfigRepo implements SystemConfigRepository with an in-memory cache.
type systemConfigRepo struct {
	db    *DB
	mu    sync.RWMutex
	cache map[string]models.SystemConfig
}

// NewSystemConfigRepository creates a new SystemConfigRepository backed by the
// given database. It loads all config into memory on creation.
func NewSystemConfigRepository(ctx context.Context, db *DB) (SystemConfigRepository, error) {
	repo := &systemConfigRepo{
		db:    db,
		cache: make(map[string]models.SystemConfig),
	}

	if err := repo.loadAll(ctx); err != nil {
		return nil, fmt.Errorf("loading system config: %w", err)
	}

	return repo, nil
}

// Get returns the cached value for the given key. Returns empty string if not found.
func (r *systemConfigRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[key].Value, nil
}

// Lookup returns the cached entry for key and whether it exists.
func (r *systemConfigRepo) Lookup(_ context.Context, key string) (models.SystemConfig, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[key]
	return c, ok, nil
}

// Set inserts or updates a key-value pair in both the database and cache.
func (r *systemConfigRepo) Set(ctx context.Context, key, value string, typ models.SettingType) error {
	if typ == "" {
		typ = models.SettingString
	}
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value, type, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, type = excluded.type, updated_at = excluded.updated_at`,
		key, value, string(typ), now,
	)
	if err != nil {
		return fmt.Errorf("setting config %q: %w", key, err)
	}

	r.store(models.SystemConfig{Key: key, Value: value, Type: typ, UpdatedAt: now})
	return nil
}

// GetAll returns all system config entries.
func (r *systemConfigRepo) GetAll(ctx context.Context) ([]models.SystemConfig, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, key, value, type, updated_at FROM system_config ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("querying system config: %w", err)
	}
	defer rows.Close()

	var configs []models.SystemConfig
	for rows.Next() {
		var c models.SystemConfig
		var typ string
		if err := rows.Scan(&c.ID, &c.Key, &c.Value, &typ, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning system config row: %w", err)
		}
		c.Type = models.SettingType(typ)
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// Fresh reads key straight from the database.
func (r *systemConfigRepo) Fresh(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM system_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading config %q: %w", key, err)
	}
	return value, true, nil
}

// CompareAndSwap performs a conditional update of key. The update only
// applies when the stored value still equals prev, so concurrent writers
// that read the same prev cannot both succeed.
func (r *systemConfigRepo) CompareAndSwap(ctx context.Context, key, prev, next string, typ models.SettingType) (bool, error) {
	if typ == "" {
		typ = models.SettingString
	}
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx,
		`UPDATE system_config SET value = ?, type = ?, updated_at = ? WHERE key = ? AND value = ?`,
		next, string(typ), now, key, prev,
	)
	if err != nil {
		return false, fmt.Errorf("swapping config %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swapping config %q: %w", key, err)
	}

	if n == 0 && prev == "" {
		// Absent key: only the first inserter wins.
		res, err = r.db.ExecContext(ctx,
			`INSERT INTO system_config (key, value, type, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			key, next, string(typ), now,
		)
		if err != nil {
			return false, fmt.Errorf("inserting config %q: %w", key, err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return false, fmt.Errorf("inserting config %q: %w", key, err)
		}
	}

	if n == 0 {
		return false, nil
	}

	r.store(models.SystemConfig{Key: key, Value: next, Type: typ, UpdatedAt: now})
	return true, nil
}

func (r *systemConfigRepo) store(c models.SystemConfig) {
	r.mu.Lock()
	r.cache[c.Key] = c
	r.mu.Unlock()
}

// loadAll reads all config entries from the database into the in-memory cache.
func (r *systemConfigRepo) loadAll(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value, type FROM system_config")
	if err != nil {
		return fmt.Errorf("querying system config: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()

	for rows.Next() {
		var c models.SystemConfig
		var typ string
		if err := rows.Scan(&c.Key, &c.Value, &typ); err != nil {
			return fmt.Errorf("scanning config row: %w", err)
		}
		c.Type = models.SettingType(typ)
		r.cache[c.Key] = c
	}

	return rows.Err()
}
