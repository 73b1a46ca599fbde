package artifact

import (
	"context"
	"fmt"
	"log/slog"
)

// WriteError reports a failed append.
type WriteError struct {
	Source  string
	Context string
	Err     error
}

func (e *WriteError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("writing to %s [%s]: %v", e.Source, e.Context, e.Err)
	}
	return fmt.Sprintf("writing to %s: %v", e.Source, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer dispatches rendered blocks to named sources. Appending the same
// block twice writes it twice; callers make sure that does not happen.
type Writer struct {
	sources map[string]Source
	logger  *slog.Logger
}

// NewWriter registers sources by name.
func NewWriter(logger *slog.Logger, sources ...Source) *Writer {
	m := make(map[string]Source, len(sources))
	for _, s := range sources {
		m[s.Name()] = s
	}
	return &Writer{sources: m, logger: logger.With("component", "artifact")}
}

// Append writes block to the named source under contextName.
func (w *Writer) Append(ctx context.Context, source, contextName, block string) error {
	s, ok := w.sources[source]
	if !ok {
		return &WriteError{Source: source, Context: contextName, Err: fmt.Errorf("unknown source")}
	}
	if err := s.Append(ctx, contextName, block); err != nil {
		w.logger.Error("config append failed", "source", source, "context", contextName, "error", err)
		return &WriteError{Source: source, Context: contextName, Err: err}
	}
	w.logger.Debug("config appended", "source", source, "context", contextName, "bytes", len(block))
	return nil
}

// Write appends a rendered artifact.
func (w *Writer) Write(ctx context.Context, a Artifact) error {
	return w.Append(ctx, a.Source, a.Context, a.Body)
}
