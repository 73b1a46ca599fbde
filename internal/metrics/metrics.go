package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/provisioner/internal/allocator"
)

// AllocatorStats exposes cumulative allocator counters.
type AllocatorStats interface {
	Stats() allocator.Stats
}

// PendingCounter returns the number of outbox rows awaiting an append.
type PendingCounter interface {
	CountPending(ctx context.Context) (int64, error)
}

// ExtensionCounter returns the number of provisioned extensions.
type ExtensionCounter interface {
	Count(ctx context.Context) (int64, error)
}

// AuditFailures returns the number of audit entries that could not be stored.
type AuditFailures interface {
	Failures() uint64
}

// Collector is a prometheus.Collector that gathers provisioner state at
// scrape time.
type Collector struct {
	allocator  AllocatorStats
	pending    PendingCounter
	extensions ExtensionCounter
	audit      AuditFailures
	startTime  time.Time

	allocatedDesc     *prometheus.Desc
	conflictsDesc     *prometheus.Desc
	exhaustedDesc     *prometheus.Desc
	pendingDesc       *prometheus.Desc
	extensionsDesc    *prometheus.Desc
	auditFailuresDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	alloc AllocatorStats,
	pending PendingCounter,
	extensions ExtensionCounter,
	audit AuditFailures,
	startTime time.Time,
) *Collector {
	return &Collector{
		allocator:  alloc,
		pending:    pending,
		extensions: extensions,
		audit:      audit,
		startTime:  startTime,

		allocatedDesc: prometheus.NewDesc(
			"provisioner_extensions_allocated_total",
			"Extension numbers handed out by the allocator",
			nil, nil,
		),
		conflictsDesc: prometheus.NewDesc(
			"provisioner_allocation_conflicts_total",
			"Cursor compare-and-swap attempts lost to a concurrent allocation",
			nil, nil,
		),
		exhaustedDesc: prometheus.NewDesc(
			"provisioner_range_exhausted_total",
			"Allocations that failed because the numbering range was full",
			nil, nil,
		),
		pendingDesc: prometheus.NewDesc(
			"provisioner_pending_artifacts",
			"Configuration fragments committed but not yet appended",
			nil, nil,
		),
		extensionsDesc: prometheus.NewDesc(
			"provisioner_extensions",
			"Provisioned extensions in the store",
			nil, nil,
		),
		auditFailuresDesc: prometheus.NewDesc(
			"provisioner_audit_write_failures_total",
			"Audit entries that could not be stored",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"provisioner_uptime_seconds",
			"Seconds since the provisioner process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocatedDesc
	ch <- c.conflictsDesc
	ch <- c.exhaustedDesc
	ch <- c.pendingDesc
	ch <- c.extensionsDesc
	ch <- c.auditFailuresDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.allocator != nil {
		s := c.allocator.Stats()
		ch <- prometheus.MustNewConstMetric(c.allocatedDesc, prometheus.CounterValue, float64(s.Allocated))
		ch <- prometheus.MustNewConstMetric(c.conflictsDesc, prometheus.CounterValue, float64(s.Conflicts))
		ch <- prometheus.MustNewConstMetric(c.exhaustedDesc, prometheus.CounterValue, float64(s.Exhausted))
	}

	if c.pending != nil {
		n, err := c.pending.CountPending(ctx)
		if err != nil {
			slog.Error("metrics: failed to count pending artifacts", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(n))
		}
	}

	if c.extensions != nil {
		n, err := c.extensions.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count extensions", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.extensionsDesc, prometheus.GaugeValue, float64(n))
		}
	}

	if c.audit != nil {
		ch <- prometheus.MustNewConstMetric(c.auditFailuresDesc, prometheus.CounterValue, float64(c.audit.Failures()))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
