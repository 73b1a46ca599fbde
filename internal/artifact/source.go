package artifact

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Source is an append-only PBX configuration source.
type Source interface {
	Name() string
	// Append adds block to the source under contextName. An empty
	// contextName appends at the end without a section header.
	Append(ctx context.Context, contextName, block string) error
}

// FileSource appends to a configuration file on local disk. Existing lines
// are never rewritten.
type FileSource struct {
	name   string
	path   string
	scoped bool

	mu sync.Mutex
}

// NewFileSource returns a source writing to path. When scoped is set the
// file is organised in [context] sections and a header is written whenever
// the section at the end of the file differs from the one requested.
func NewFileSource(name, path string, scoped bool) *FileSource {
	return &FileSource{name: name, path: path, scoped: scoped}
}

func (s *FileSource) Name() string { return s.name }

// Path returns the file the source appends to.
func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Append(ctx context.Context, contextName, block string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("creating directory for %s: %w", s.path, err)
	}

	var b strings.Builder
	if s.scoped && contextName != "" {
		current, err := trailingContext(s.path)
		if err != nil {
			return err
		}
		if current != contextName {
			b.WriteString("\n[" + contextName + "]\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(block)
	if !strings.HasSuffix(block, "\n") {
		b.WriteString("\n")
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.path, err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("appending to %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", s.path, err)
	}
	return f.Close()
}

// trailingContext returns the name of the last [section] header in the file
// at path, or "" if the file has none or does not exist.
func trailingContext(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if name, ok := sectionName(line); ok {
			last = name
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scanning %s: %w", path, err)
	}
	return last, nil
}

// sectionName parses "[name]" with an optional template suffix such as
// "[name](+)" or a trailing comment.
func sectionName(line string) (string, bool) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if !strings.HasPrefix(line, "[") {
		return "", false
	}
	end := strings.IndexByte(line, ']')
	if end <= 1 {
		return "", false
	}
	return line[1:end], true
}
