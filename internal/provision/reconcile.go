package provision

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/provisioner/internal/artifact"
	"github.com/flowpbx/provisioner/internal/audit"
	"github.com/flowpbx/provisioner/internal/database/models"
	"github.com/flowpbx/provisioner/internal/reload"
)

// Reconciler defaults.
const (
	DefaultReconcileInterval = time.Minute
	DefaultMaxAttempts       = 10
	DefaultReconcileBatch    = 50
	// DefaultSettleGrace keeps the reconciler away from rows a live run has
	// not attempted yet.
	DefaultSettleGrace = 30 * time.Second
)

// PendingLister lists outbox rows awaiting an append.
type PendingLister interface {
	ListPending(ctx context.Context, maxAttempts int, settledBefore time.Time, limit int) ([]models.PendingArtifact, error)
	MarkApplied(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// ReconcilerConfig wires a Reconciler. Zero numeric fields take defaults.
type ReconcilerConfig struct {
	Outbox      PendingLister
	Writer      ArtifactWriter
	Reloader    Reloader
	Audit       Auditor
	Busy        func(ext string) bool // optional; typically Orchestrator.InFlight
	MaxAttempts int
	Batch       int
	Grace       time.Duration
	Logger      *slog.Logger
}

// Reconciler re-applies configuration fragments whose append failed after
// their account was committed.
type Reconciler struct {
	outbox      PendingLister
	writer      ArtifactWriter
	reloader    Reloader
	audit       Auditor
	busy        func(string) bool
	maxAttempts int
	batch       int
	grace       time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// ReconcileReport summarises one pass.
type ReconcileReport struct {
	Applied int
	Failed  int
	Skipped int
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		outbox:      cfg.Outbox,
		writer:      cfg.Writer,
		reloader:    cfg.Reloader,
		audit:       cfg.Audit,
		busy:        cfg.Busy,
		maxAttempts: cfg.MaxAttempts,
		batch:       cfg.Batch,
		grace:       cfg.Grace,
		logger:      cfg.Logger.With("component", "reconciler"),
		now:         time.Now,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.batch <= 0 {
		r.batch = DefaultReconcileBatch
	}
	if r.grace <= 0 {
		r.grace = DefaultSettleGrace
	}
	if r.busy == nil {
		r.busy = func(string) bool { return false }
	}
	return r
}

// RunOnce applies one batch of pending fragments and reloads the domains
// that received text.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	rows, err := r.outbox.ListPending(ctx, r.maxAttempts, r.now().Add(-r.grace), r.batch)
	if err != nil {
		return rep, err
	}

	domains := map[reload.Domain]bool{}
	var order []reload.Domain
	for _, row := range rows {
		if r.busy(row.Extension) {
			rep.Skipped++
			continue
		}

		a := artifact.Artifact{Kind: artifact.Kind(row.Kind), Source: row.Source, Context: row.Context, Body: row.Body}
		if err := r.writer.Write(ctx, a); err != nil {
			rep.Failed++
			if merr := r.outbox.MarkFailed(ctx, row.ID, err.Error()); merr != nil {
				r.logger.Error("marking artifact failed", "artifact_id", row.ID, "error", merr)
			}
			r.audit.Record(ctx, row.Extension, audit.ActionReconcile,
				row.Kind+" retry failed: "+err.Error(), models.AuditFailed)
			if row.Attempts+1 >= r.maxAttempts {
				r.logger.Warn("artifact gave up after max attempts",
					"artifact_id", row.ID, "extension", row.Extension, "kind", row.Kind)
			}
			continue
		}

		rep.Applied++
		if err := r.outbox.MarkApplied(ctx, row.ID); err != nil {
			r.logger.Error("marking artifact applied", "artifact_id", row.ID, "error", err)
		}
		r.audit.Record(ctx, row.Extension, audit.ActionReconcile,
			row.Kind+" appended to "+row.Source, models.AuditSuccess)

		d := domainFor(a.Kind)
		if !domains[d] {
			domains[d] = true
			order = append(order, d)
		}
	}

	if len(order) > 0 {
		if err := r.reloader.Reload(ctx, order...).Err(); err != nil {
			r.logger.Warn("reload after reconcile failed", "error", err)
		}
	}
	if rep.Applied > 0 || rep.Failed > 0 {
		r.logger.Info("reconcile pass finished", "applied", rep.Applied, "failed", rep.Failed, "skipped", rep.Skipped)
	}
	return rep, nil
}

// Start runs RunOnce every interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.logger.Info("reconciler started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("reconciler stopped")
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.logger.Error("reconcile pass failed", "error", err)
				}
			}
		}
	}()
}
