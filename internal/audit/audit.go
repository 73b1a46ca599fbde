// Package audit records the outcome of every provisioning step in the
// append-only auto_provisioning_log table.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/flowpbx/provisioner/internal/database/models"
)

// Step names.
const (
	ActionValidate        = "validate"
	ActionAllocate        = "allocate"
	ActionCredentials     = "credentials"
	ActionPersist         = "persist"
	ActionSIPConfig       = "sip_config"
	ActionVoicemailConfig = "voicemail_config"
	ActionFeatures        = "features"
	ActionDIDAssign       = "did_assign"
	ActionDialplanConfig  = "dialplan_config"
	ActionReload          = "reload"
	ActionNotify          = "notify"
	ActionComplete        = "complete"
	ActionReconcile       = "reconcile"
	ActionCompensate      = "compensate"
	ActionDIDFulfill      = "did_fulfill"
)

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e *models.AuditEntry) error
	ListByExtension(ctx context.Context, ext string, limit, offset int) ([]models.AuditEntry, int, error)
	ListByRun(ctx context.Context, runID string) ([]models.AuditEntry, error)
}

type runIDKey struct{}

// WithRunID returns a context whose recorded entries carry runID.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID returns the run id stored in ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Logger appends audit entries. Record never fails; store errors are
// logged and published on Errors.
type Logger struct {
	store    Store
	logger   *slog.Logger
	errs     chan error
	failures atomic.Uint64
}

// New creates a Logger whose error channel buffers up to buffer errors.
// Errors beyond that are dropped once logged.
func New(store Store, logger *slog.Logger, buffer int) *Logger {
	if buffer < 1 {
		buffer = 1
	}
	return &Logger{
		store:  store,
		logger: logger.With("component", "audit"),
		errs:   make(chan error, buffer),
	}
}

// Record appends one entry.
func (l *Logger) Record(ctx context.Context, extension, action, detail, status string) {
	e := &models.AuditEntry{
		RunID:     RunID(ctx),
		Extension: extension,
		Action:    action,
		Detail:    detail,
		Status:    status,
	}
	if err := l.store.Append(ctx, e); err != nil {
		l.failures.Add(1)
		err = fmt.Errorf("recording %s for %q: %w", action, extension, err)
		l.logger.Error("audit append failed", "extension", extension, "action", action, "status", status, "error", err)
		select {
		case l.errs <- err:
		default:
		}
	}
}

// Errors exposes append failures. Reading it is optional.
func (l *Logger) Errors() <-chan error {
	return l.errs
}

// Failures returns the number of entries that could not be stored.
func (l *Logger) Failures() uint64 {
	return l.failures.Load()
}

// List returns a page of entries for extension and the total count.
func (l *Logger) List(ctx context.Context, extension string, limit, offset int) ([]models.AuditEntry, int, error) {
	return l.store.ListByExtension(ctx, extension, limit, offset)
}

// ListRun returns every entry of one run in the order it was recorded,
// across all extensions the run touched.
func (l *Logger) ListRun(ctx context.Context, runID string) ([]models.AuditEntry, error) {
	return l.store.ListByRun(ctx, runID)
}
