package database

import (
	"context"
	"time"

	"github.com/flowpbx/provisioner/internal/database/models"
)

// SystemConfigRepository manages typed key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Lookup(ctx context.Context, key string) (models.SystemConfig, bool, error)
	Set(ctx context.Context, key, value string, typ models.SettingType) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
	// Fresh reads a value from the database, bypassing the cache.
	Fresh(ctx context.Context, key string) (string, bool, error)
	// CompareAndSwap replaces the value of key with next only if it currently
	// equals prev. An absent key matches prev == "".
	CompareAndSwap(ctx context.Context, key, prev, next string, typ models.SettingType) (bool, error)
}

// UserRepository reads user accounts.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	Count(ctx context.Context) (int64, error)
}

// ExtensionRepository reads provisioned extensions.
type ExtensionRepository interface {
	GetByExtension(ctx context.Context, ext string) (*models.Extension, error)
	List(ctx context.Context) ([]models.Extension, error)
	// InUse reports whether ext is held by an extension row or still
	// referenced by a feature row, DID assignment, outbox row or audit entry.
	InUse(ctx context.Context, ext string) (bool, error)
	Count(ctx context.Context) (int64, error)
}

// FeatureRepository manages per-extension feature flags.
type FeatureRepository interface {
	Upsert(ctx context.Context, fs *models.FeatureSet) error
	Get(ctx context.Context, ext string) (*models.FeatureSet, error)
}

// DIDRepository manages DID assignments and the dedicated number queue.
type DIDRepository interface {
	// Assign inserts a DID assignment. When a.Primary is set any existing
	// primary assignment for the extension is demoted in the same transaction.
	Assign(ctx context.Context, a *models.DIDAssignment) error
	ListByExtension(ctx context.Context, ext string) ([]models.DIDAssignment, error)
	Enqueue(ctx context.Context, req *models.DIDRequest) error
	GetRequest(ctx context.Context, id int64) (*models.DIDRequest, error)
	ListRequests(ctx context.Context, status string) ([]models.DIDRequest, error)
	// Fulfill marks a queued request fulfilled and assigns number to its
	// extension as the primary dedicated DID.
	Fulfill(ctx context.Context, id int64, number string) (*models.DIDAssignment, error)
}

// AuditRepository appends and reads provisioning log entries.
type AuditRepository interface {
	Append(ctx context.Context, e *models.AuditEntry) error
	ListByExtension(ctx context.Context, ext string, limit, offset int) ([]models.AuditEntry, int, error)
	ListByRun(ctx context.Context, runID string) ([]models.AuditEntry, error)
}

// ArtifactRepository manages the configuration artifact outbox.
type ArtifactRepository interface {
	GetByExtension(ctx context.Context, ext, kind string) (*models.PendingArtifact, error)
	ListPending(ctx context.Context, maxAttempts int, settledBefore time.Time, limit int) ([]models.PendingArtifact, error)
	MarkApplied(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	CountPending(ctx context.Context) (int64, error)
}

// PersistParams describes the relational rows created in one provisioning
// transaction.
type PersistParams struct {
	User      *models.User
	Extension *models.Extension
	Artifacts []*models.PendingArtifact
}

// ProvisioningStore performs the multi-row mutations of a provisioning run
// atomically.
type ProvisioningStore interface {
	// Persist inserts the user, extension and pending artifacts in one
	// transaction, filling in their IDs. A uniqueness violation is returned
	// as a *DuplicateError.
	Persist(ctx context.Context, p PersistParams) error
	// Compensate removes the relational rows created for ext and marks its
	// outbox rows abandoned. Audit entries are kept.
	Compensate(ctx context.Context, userID int64, ext string) error
}
