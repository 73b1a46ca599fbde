package allocator

import (
	"context"

	"github.com/flowpbx/provisioner/internal/database/models"
	"github.com/flowpbx/provisioner/internal/settings"
)

// ConfigStore is the part of the system config repository the cursor uses.
type ConfigStore interface {
	Fresh(ctx context.Context, key string) (string, bool, error)
	CompareAndSwap(ctx context.Context, key, prev, next string, typ models.SettingType) (bool, error)
}

// SettingCursor keeps the cursor in the next_available_extension setting.
type SettingCursor struct {
	store ConfigStore
	key   string
}

// NewSettingCursor returns a cursor backed by store.
func NewSettingCursor(store ConfigStore) *SettingCursor {
	return &SettingCursor{store: store, key: settings.KeyNextExtension}
}

// Load reads the cursor from the database, never from a cache.
func (c *SettingCursor) Load(ctx context.Context) (string, error) {
	v, _, err := c.store.Fresh(ctx, c.key)
	return v, err
}

func (c *SettingCursor) CompareAndSwap(ctx context.Context, prev, next string) (bool, error) {
	return c.store.CompareAndSwap(ctx, c.key, prev, next, models.SettingNumber)
}
