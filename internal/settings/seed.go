package settings

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk shape of a settings seed:
//
//	settings:
//	  extension_range_start: "3000"
//	  extension_range_end: "4000" # exclusive, last number is 3999
//	  reserved_extensions: ["3100", "3999"]
type seedFile struct {
	Settings map[string]any `yaml:"settings"`
}

// SeedFile applies the settings in the YAML file at path. Keys that already
// have a value are left alone unless overwrite is set, so edits made by an
// administrator survive restarts.
func SeedFile(ctx context.Context, s *Store, path string, overwrite bool, logger *slog.Logger) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading settings seed: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parsing settings seed %s: %w", path, err)
	}
	return Seed(ctx, s, f.Settings, overwrite, logger)
}

// Seed applies values to s and returns how many keys were written.
func Seed(ctx context.Context, s *Store, values map[string]any, overwrite bool, logger *slog.Logger) (int, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	written := 0
	for _, key := range keys {
		if !overwrite {
			_, ok, err := s.repo.Lookup(ctx, key)
			if err != nil {
				return written, fmt.Errorf("checking setting %s: %w", key, err)
			}
			if ok {
				continue
			}
		}
		if err := s.Set(ctx, key, values[key]); err != nil {
			return written, err
		}
		written++
		logger.Debug("seeded setting", "key", key)
	}
	return written, nil
}
