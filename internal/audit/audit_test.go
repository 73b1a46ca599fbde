package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/flowpbx/provisioner/internal/database"
	"github.com/flowpbx/provisioner/internal/database/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingStore struct{}

func (failingStore) Append(context.Context, *models.AuditEntry) error {
	return errors.New("disk I/O error")
}

func (failingStore) ListByExtension(context.Context, string, int, int) ([]models.AuditEntry, int, error) {
	return nil, 0, nil
}

func (failingStore) ListByRun(context.Context, string) ([]models.AuditEntry, error) {
	return nil, nil
}

func TestRecordAndList(t *testing.T) {
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	l := New(database.NewAuditRepository(db), discardLogger(), 4)
	ctx := WithRunID(context.Background(), "run-42")

	l.Record(ctx, "3000", ActionAllocate, "allocated 3000", models.AuditSuccess)
	l.Record(ctx, "3000", ActionSIPConfig, "permission denied", models.AuditFailed)
	l.Record(ctx, "3001", ActionAllocate, "", models.AuditSuccess)

	entries, total, err := l.List(context.Background(), "3000", 10, 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 2 || len(entries) != 2 {
		t.Fatalf("List() = %d entries (total %d), want 2", len(entries), total)
	}
	if entries[0].Action != ActionAllocate || entries[0].Status != models.AuditSuccess {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Status != models.AuditFailed || entries[1].Detail != "permission denied" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
	if entries[0].RunID != "run-42" {
		t.Errorf("RunID = %q, want run-42", entries[0].RunID)
	}
	if l.Failures() != 0 {
		t.Errorf("Failures() = %d, want 0", l.Failures())
	}

	run, err := l.ListRun(context.Background(), "run-42")
	if err != nil {
		t.Fatalf("ListRun() error: %v", err)
	}
	if len(run) != 3 || run[2].Extension != "3001" {
		t.Errorf("ListRun() = %+v, want all three entries in order", run)
	}
}

func TestRecordNeverPanicsOrBlocks(t *testing.T) {
	l := New(failingStore{}, discardLogger(), 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Record(ctx, "3000", ActionPersist, "boom", models.AuditFailed)
	}

	if l.Failures() != 5 {
		t.Errorf("Failures() = %d, want 5", l.Failures())
	}
	if got := len(l.Errors()); got != 2 {
		t.Errorf("buffered errors = %d, want 2", got)
	}
	err := <-l.Errors()
	if err == nil {
		t.Fatal("expected an error on the channel")
	}
}

func TestRunIDAbsent(t *testing.T) {
	if got := RunID(context.Background()); got != "" {
		t.Errorf("RunID() = %q, want empty", got)
	}
}
