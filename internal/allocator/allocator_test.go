package allocator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/flowpbx/provisioner/internal/database"
	"github.com/flowpbx/provisioner/internal/settings"
)

// memCursor is an in-memory Cursor. lose makes the next n swaps fail as if
// another caller had moved the cursor first.
type memCursor struct {
	mu    sync.Mutex
	value string
	lose  int
	swaps int
}

func (c *memCursor) Load(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, nil
}

func (c *memCursor) CompareAndSwap(_ context.Context, prev, next string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swaps++
	if c.lose > 0 {
		c.lose--
		return false, nil
	}
	if c.value != prev {
		return false, nil
	}
	c.value = next
	return true, nil
}

type memUsage map[string]bool

func (u memUsage) InUse(_ context.Context, ext string) (bool, error) {
	return u[ext], nil
}

type errUsage struct{}

func (errUsage) InUse(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSequentialAllocationAndExhaustion(t *testing.T) {
	cur := &memCursor{}
	a := New(cur, memUsage{}, discardLogger())
	r := settings.Range{Start: 3000, End: 3005}
	ctx := context.Background()

	want := []string{"3000", "3001", "3002", "3003", "3004"}
	for i, w := range want {
		got, err := a.NextExtension(ctx, r)
		if err != nil {
			t.Fatalf("allocation %d: error %v", i+1, err)
		}
		if got != w {
			t.Fatalf("allocation %d = %s, want %s", i+1, got, w)
		}
	}

	if _, err := a.NextExtension(ctx, r); !errors.Is(err, ErrRangeExhausted) {
		t.Fatalf("sixth allocation error = %v, want ErrRangeExhausted", err)
	}
	if cur.value != "3005" {
		t.Errorf("cursor = %q, want 3005", cur.value)
	}
	if s := a.Stats(); s.Allocated != 5 || s.Exhausted != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestSkipsReservedAndUsed(t *testing.T) {
	cur := &memCursor{}
	used := memUsage{"3000": true, "3002": true}
	a := New(cur, used, discardLogger())
	r := settings.Range{Start: 3000, End: 3010, Reserved: []string{"3001", " 3003 "}}

	got, err := a.NextExtension(context.Background(), r)
	if err != nil {
		t.Fatalf("NextExtension() error: %v", err)
	}
	if got != "3004" {
		t.Errorf("NextExtension() = %s, want 3004", got)
	}
	if cur.value != "3005" {
		t.Errorf("cursor = %q, want 3005", cur.value)
	}
}

func TestCursorFallsBackToStart(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
		want   string
	}{
		{"unset", "", "3000"},
		{"garbage", "abc", "3000"},
		{"below start", "10", "3000"},
		{"inside range", "3007", "3007"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(&memCursor{value: tt.cursor}, memUsage{}, discardLogger())
			got, err := a.NextExtension(context.Background(), settings.Range{Start: 3000, End: 3010})
			if err != nil {
				t.Fatalf("NextExtension() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("NextExtension() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCursorPastEndIsExhausted(t *testing.T) {
	a := New(&memCursor{value: "3010"}, memUsage{}, discardLogger())
	_, err := a.NextExtension(context.Background(), settings.Range{Start: 3000, End: 3010})
	if !errors.Is(err, ErrRangeExhausted) {
		t.Errorf("error = %v, want ErrRangeExhausted", err)
	}
}

func TestRetriesOnConflict(t *testing.T) {
	cur := &memCursor{lose: 3}
	a := New(cur, memUsage{}, discardLogger())

	got, err := a.NextExtension(context.Background(), settings.Range{Start: 3000, End: 3010})
	if err != nil {
		t.Fatalf("NextExtension() error: %v", err)
	}
	if got != "3000" {
		t.Errorf("NextExtension() = %s, want 3000", got)
	}
	if cur.swaps != 4 {
		t.Errorf("swaps = %d, want 4", cur.swaps)
	}
	if s := a.Stats(); s.Conflicts != 3 {
		t.Errorf("Conflicts = %d, want 3", s.Conflicts)
	}
}

func TestContention(t *testing.T) {
	a := New(&memCursor{lose: 1000}, memUsage{}, discardLogger())
	a.maxAttempts = 5

	_, err := a.NextExtension(context.Background(), settings.Range{Start: 3000, End: 3010})
	if !errors.Is(err, ErrContention) {
		t.Errorf("error = %v, want ErrContention", err)
	}
}

func TestUsageErrorPropagates(t *testing.T) {
	a := New(&memCursor{}, errUsage{}, discardLogger())
	_, err := a.NextExtension(context.Background(), settings.Range{Start: 3000, End: 3010})
	if err == nil || errors.Is(err, ErrRangeExhausted) {
		t.Errorf("error = %v, want usage failure", err)
	}
}

func TestInvalidRange(t *testing.T) {
	a := New(&memCursor{}, memUsage{}, discardLogger())
	if _, err := a.NextExtension(context.Background(), settings.Range{Start: 10, End: 10}); err == nil {
		t.Error("empty range should fail")
	}
}

func TestZeroPadding(t *testing.T) {
	a := New(&memCursor{}, memUsage{"0100": true}, discardLogger())
	got, err := a.NextExtension(context.Background(), settings.Range{Start: 100, End: 200, Width: 4})
	if err != nil {
		t.Fatalf("NextExtension() error: %v", err)
	}
	if got != "0101" {
		t.Errorf("NextExtension() = %s, want 0101", got)
	}
}

func TestConcurrentAllocationsAreDistinct(t *testing.T) {
	a := New(&memCursor{}, memUsage{}, discardLogger())
	r := settings.Range{Start: 3000, End: 4000}

	const n = 50
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ext, err := a.NextExtension(context.Background(), r)
			if err != nil {
				t.Errorf("NextExtension() error: %v", err)
				return
			}
			results[i] = ext
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, ext := range results {
		if seen[ext] {
			t.Fatalf("extension %s handed out twice", ext)
		}
		seen[ext] = true
	}
}

func TestConcurrentAllocationsSQLite(t *testing.T) {
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	cfg, err := database.NewSystemConfigRepository(ctx, db)
	if err != nil {
		t.Fatalf("NewSystemConfigRepository() error: %v", err)
	}
	a := New(NewSettingCursor(cfg), database.NewExtensionRepository(db), discardLogger())
	r := settings.Range{Start: 3000, End: 3020}

	const n = 20
	var mu sync.Mutex
	seen := make(map[string]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ext, err := a.NextExtension(ctx, r)
			if err != nil {
				t.Errorf("NextExtension() error: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[ext] {
				t.Errorf("extension %s handed out twice", ext)
			}
			seen[ext] = true
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("distinct extensions = %d, want %d", len(seen), n)
	}
	if _, err := a.NextExtension(ctx, r); !errors.Is(err, ErrRangeExhausted) {
		t.Errorf("error after filling range = %v, want ErrRangeExhausted", err)
	}

	v, _, err := cfg.Fresh(ctx, settings.KeyNextExtension)
	if err != nil || v != "3020" {
		t.Errorf("persisted cursor = %q, %v; want 3020", v, err)
	}
}
