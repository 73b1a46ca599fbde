package settings

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpbx/provisioner/internal/database"
	"github.com/flowpbx/provisioner/internal/database/models"
)

func testStore(t *testing.T) (*Store, database.SystemConfigRepository) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo, err := database.NewSystemConfigRepository(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSystemConfigRepository() error: %v", err)
	}
	return NewStore(repo), repo
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadDefaults(t *testing.T) {
	s, _ := testStore(t)

	p, err := Load(context.Background(), s)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if p.Range.Start != 3000 || p.Range.End != 4000 || p.Range.Width != 0 {
		t.Errorf("Range = %+v, want [3000,4000)", p.Range)
	}
	if !p.Features.Voicemail {
		t.Error("voicemail should default to enabled")
	}
	if p.Features.CallRecording || p.Features.ChatNotify {
		t.Error("optional features should default to disabled")
	}
	if p.PasswordLength != 16 || p.PINLength != 4 {
		t.Errorf("lengths = %d/%d, want 16/4", p.PasswordLength, p.PINLength)
	}
	if p.ReloadTimeout != DefaultReloadTimeout {
		t.Errorf("ReloadTimeout = %v, want %v", p.ReloadTimeout, DefaultReloadTimeout)
	}
	if p.FailureMode != FailureOutbox {
		t.Errorf("FailureMode = %q, want outbox", p.FailureMode)
	}
	if p.SMTP.Configured() {
		t.Error("SMTP should not be configured by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	values := map[string]any{
		KeyRangeStart:           "0100",
		KeyRangeEnd:             "0200",
		KeyReserved:             []string{"0100", "0150"},
		KeyFeatureVoicemail:     false,
		KeyFeatureCallRecording: true,
		KeyPINLength:            6,
		KeyReloadTimeout:        3,
		KeyDefaultDID:           "+15550100",
		KeyFailureMode:          FailureCompensate,
	}
	for k, v := range values {
		if err := s.Set(ctx, k, v); err != nil {
			t.Fatalf("Set(%s) error: %v", k, err)
		}
	}

	p, err := Load(ctx, s)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if p.Range.Start != 100 || p.Range.End != 200 || p.Range.Width != 4 {
		t.Errorf("Range = %+v, want [100,200) width 4", p.Range)
	}
	if len(p.Range.Reserved) != 2 || p.Range.Reserved[1] != "0150" {
		t.Errorf("Reserved = %v", p.Range.Reserved)
	}
	if p.Features.Voicemail || !p.Features.CallRecording {
		t.Errorf("Features = %+v", p.Features)
	}
	if p.PINLength != 6 {
		t.Errorf("PINLength = %d, want 6", p.PINLength)
	}
	if p.ReloadTimeout != 3*time.Second {
		t.Errorf("ReloadTimeout = %v, want 3s", p.ReloadTimeout)
	}
	if p.DefaultDID != "+15550100" || p.FailureMode != FailureCompensate {
		t.Errorf("DefaultDID/FailureMode = %q/%q", p.DefaultDID, p.FailureMode)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"start above end", KeyRangeStart, "5000"},
		{"non-numeric end", KeyRangeEnd, "abc"},
		{"short pin", KeyPINLength, 2},
		{"unknown failure mode", KeyFailureMode, "ignore"},
		{"bad bool", KeyFeatureVoicemail, "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := testStore(t)
			if err := s.Set(context.Background(), tt.key, tt.value); err != nil {
				t.Fatalf("Set() error: %v", err)
			}
			if _, err := Load(context.Background(), s); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestStrings(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"json array", `["3001","3002"]`, []string{"3001", "3002"}},
		{"json numbers", `[3001, 3002]`, []string{"3001", "3002"}},
		{"comma list", "3001, 3002,,3003", []string{"3001", "3002", "3003"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, repo := testStore(t)
			ctx := context.Background()
			if err := repo.Set(ctx, KeyReserved, tt.value, models.SettingString); err != nil {
				t.Fatalf("Set() error: %v", err)
			}
			got, err := s.Strings(ctx, KeyReserved)
			if err != nil {
				t.Fatalf("Strings() error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Strings() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Strings()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSetInfersType(t *testing.T) {
	s, repo := testStore(t)
	ctx := context.Background()

	tests := []struct {
		key   string
		value any
		typ   models.SettingType
		raw   string
	}{
		{"a", true, models.SettingBool, "true"},
		{"b", 42, models.SettingNumber, "42"},
		{"c", "text", models.SettingString, "text"},
		{"d", []string{"x"}, models.SettingJSON, `["x"]`},
	}
	for _, tt := range tests {
		if err := s.Set(ctx, tt.key, tt.value); err != nil {
			t.Fatalf("Set(%s) error: %v", tt.key, err)
		}
		c, ok, _ := repo.Lookup(ctx, tt.key)
		if !ok || c.Type != tt.typ || c.Value != tt.raw {
			t.Errorf("%s = %+v, want %s %q", tt.key, c, tt.typ, tt.raw)
		}
	}
}

func TestSeedFile(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, KeyRangeEnd, "3050"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `settings:
  extension_range_start: 3000
  extension_range_end: 4000
  reserved_extensions: ["3001"]
  feature_call_recording: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing seed: %v", err)
	}

	n, err := SeedFile(ctx, s, path, false, discardLogger())
	if err != nil {
		t.Fatalf("SeedFile() error: %v", err)
	}
	if n != 3 {
		t.Errorf("written = %d, want 3 (existing key kept)", n)
	}

	p, err := Load(ctx, s)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if p.Range.End != 3050 {
		t.Errorf("Range.End = %d, want existing 3050", p.Range.End)
	}
	if len(p.Range.Reserved) != 1 || p.Range.Reserved[0] != "3001" {
		t.Errorf("Reserved = %v, want [3001]", p.Range.Reserved)
	}
	if !p.Features.CallRecording {
		t.Error("call recording should be seeded on")
	}

	n, err = SeedFile(ctx, s, path, true, discardLogger())
	if err != nil {
		t.Fatalf("SeedFile(overwrite) error: %v", err)
	}
	if n != 4 {
		t.Errorf("written = %d, want 4", n)
	}
}

func TestSeedFileMissing(t *testing.T) {
	s, _ := testStore(t)
	if _, err := SeedFile(context.Background(), s, filepath.Join(t.TempDir(), "nope.yaml"), false, discardLogger()); err == nil {
		t.Error("SeedFile() should fail for a missing file")
	}
}
