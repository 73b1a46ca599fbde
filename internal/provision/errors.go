package provision

import (
	"fmt"

	"github.com/flowpbx/provisioner/internal/allocator"
	"github.com/flowpbx/provisioner/internal/reload"
	"github.com/flowpbx/provisioner/internal/validate"
)

// ValidationError reports a malformed or duplicate request. Nothing was
// written.
type ValidationError = validate.Error

// ErrRangeExhausted means the numbering range has no free extension left.
var ErrRangeExhausted = allocator.ErrRangeExhausted

// ReloadError is non-fatal and only appears in Result.Warnings.
type ReloadError = reload.Error

// PersistenceError reports a failed relational write. For Step "persist"
// the transaction was rolled back and nothing external was touched; for
// later steps the account rows are already committed.
type PersistenceError struct {
	Step      string
	Extension string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s for extension %s: %v", e.Step, e.Extension, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigWriteError reports a configuration fragment that could not be
// appended after the account was committed. The account exists but the
// telephony process cannot reach it until the fragment is applied.
type ConfigWriteError struct {
	Extension string
	Kind      string
	Err       error
}

func (e *ConfigWriteError) Error() string {
	return fmt.Sprintf("writing %s config for extension %s: %v", e.Kind, e.Extension, e.Err)
}

func (e *ConfigWriteError) Unwrap() error { return e.Err }

// NotificationError is non-fatal and only appears in Result.Warnings.
type NotificationError struct {
	Extension string
	Err       error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("welcome notification for extension %s: %v", e.Extension, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }
