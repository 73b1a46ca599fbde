// Package allocator hands out extension numbers from the configured range.
//
// The persisted cursor is advanced with a compare-and-swap, so two callers
// that read the same cursor cannot both claim the candidate behind it. The
// UNIQUE constraint on extensions.extension is the second line: a collision
// at insert time sends the caller back here for the next number.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/flowpbx/provisioner/internal/settings"
)

// DefaultMaxAttempts bounds compare-and-swap retries for one allocation.
const DefaultMaxAttempts = 64

var (
	// ErrRangeExhausted is returned when no free number is left in the range.
	ErrRangeExhausted = errors.New("extension range exhausted")

	// ErrContention is returned when every compare-and-swap attempt lost.
	ErrContention = errors.New("extension cursor contention")
)

// Cursor is the persisted next-candidate pointer.
type Cursor interface {
	// Load returns the stored value, or "" when none is stored.
	Load(ctx context.Context) (string, error)
	// CompareAndSwap stores next only if the stored value is still prev.
	CompareAndSwap(ctx context.Context, prev, next string) (bool, error)
}

// UsageChecker reports whether a number is taken or still referenced.
type UsageChecker interface {
	InUse(ctx context.Context, ext string) (bool, error)
}

// Stats are cumulative allocator counters.
type Stats struct {
	Allocated uint64
	Conflicts uint64
	Exhausted uint64
}

// Allocator assigns extension numbers.
type Allocator struct {
	cursor      Cursor
	usage       UsageChecker
	maxAttempts int
	logger      *slog.Logger

	allocated atomic.Uint64
	conflicts atomic.Uint64
	exhausted atomic.Uint64
}

// New creates an Allocator.
func New(cursor Cursor, usage UsageChecker, logger *slog.Logger) *Allocator {
	return &Allocator{
		cursor:      cursor,
		usage:       usage,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.With("component", "allocator"),
	}
}

// NextExtension returns the lowest free number at or above the cursor and
// moves the cursor past it before returning.
func (a *Allocator) NextExtension(ctx context.Context, r settings.Range) (string, error) {
	if r.Start >= r.End {
		return "", fmt.Errorf("invalid extension range [%d,%d)", r.Start, r.End)
	}
	reserved := make(map[int]struct{}, len(r.Reserved))
	for _, s := range r.Reserved {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			reserved[n] = struct{}{}
		}
	}

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		raw, err := a.cursor.Load(ctx)
		if err != nil {
			return "", fmt.Errorf("loading extension cursor: %w", err)
		}
		start := cursorPosition(raw, r)

		candidate, err := a.probe(ctx, start, r, reserved)
		if err != nil {
			if errors.Is(err, ErrRangeExhausted) {
				a.exhausted.Add(1)
			}
			return "", err
		}

		ok, err := a.cursor.CompareAndSwap(ctx, raw, strconv.Itoa(candidate+1))
		if err != nil {
			return "", fmt.Errorf("advancing extension cursor: %w", err)
		}
		if ok {
			a.allocated.Add(1)
			ext := Format(candidate, r.Width)
			a.logger.Debug("allocated extension", "extension", ext, "attempt", attempt)
			return ext, nil
		}

		a.conflicts.Add(1)
		a.logger.Debug("extension cursor moved, retrying", "cursor", raw, "attempt", attempt)
	}
	return "", fmt.Errorf("allocating extension after %d attempts: %w", a.maxAttempts, ErrContention)
}

func (a *Allocator) probe(ctx context.Context, from int, r settings.Range, reserved map[int]struct{}) (int, error) {
	for n := from; n < r.End; n++ {
		if _, skip := reserved[n]; skip {
			continue
		}
		used, err := a.usage.InUse(ctx, Format(n, r.Width))
		if err != nil {
			return 0, fmt.Errorf("checking extension %d: %w", n, err)
		}
		if !used {
			return n, nil
		}
	}
	return 0, fmt.Errorf("no free extension in [%d,%d): %w", r.Start, r.End, ErrRangeExhausted)
}

// Stats returns a snapshot of the counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		Allocated: a.allocated.Load(),
		Conflicts: a.conflicts.Load(),
		Exhausted: a.exhausted.Load(),
	}
}

// cursorPosition interprets the stored cursor. Unset, unparsable and
// below-start values fall back to the range start.
func cursorPosition(raw string, r settings.Range) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < r.Start {
		return r.Start
	}
	return n
}

// Format renders n, zero-padded to width when width is positive.
func Format(n, width int) string {
	if width > 0 {
		return fmt.Sprintf("%0*d", width, n)
	}
	return strconv.Itoa(n)
}
