package collector

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"vmstats-agent/internal/model"
	"vmstats-agent/internal/stats"
)

// HostUsage is the result of one aggregation cycle.
type HostUsage struct {
	DiskPct   float64
	MemoryPct float64
	Totals    stats.Totals
}

// HostAggregator folds the whole stats table into host-level usage.
type HostAggregator struct {
	table         *stats.Table
	diskThreshold float64
	memThreshold  float64
	interval      time.Duration
	stale         stats.StalePolicy
	alerter       *Alerter
	logger        *slog.Logger
	now           func() time.Time

	lastCheck atomic.Int64
}

func NewHostAggregator(table *stats.Table, diskThreshold, memThreshold float64, interval time.Duration, stale stats.StalePolicy, alerter *Alerter, logger *slog.Logger) *HostAggregator {
	return &HostAggregator{
		table:         table,
		diskThreshold: diskThreshold,
		memThreshold:  memThreshold,
		interval:      interval,
		stale:         stale,
		alerter:       alerter,
		logger:        logger,
		now:           time.Now,
	}
}

func (h *HostAggregator) Name() string            { return "host" }
func (h *HostAggregator) Interval() time.Duration { return h.interval }

func (h *HostAggregator) Cycle(ctx context.Context) {
	h.sample(ctx)
}

// LastCheck is the time of the last completed cycle, zero before the first.
func (h *HostAggregator) LastCheck() time.Time {
	v := h.lastCheck.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func (h *HostAggregator) sample(ctx context.Context) HostUsage {
	now := h.now()
	totals := h.table.Totals(now, h.stale)
	if len(totals.StaleDisk) > 0 || len(totals.StaleMemory) > 0 {
		h.logger.Warn("excluding stale VM stats",
			"stale_disk", strings.Join(totals.StaleDisk, ", "),
			"stale_memory", strings.Join(totals.StaleMemory, ", "),
		)
	}

	usage := HostUsage{
		DiskPct:   stats.Percent(totals.DisksCapacity, totals.DisksAllocation),
		MemoryPct: stats.Percent(totals.UsedRAM, totals.TotalRAM),
		Totals:    totals,
	}

	if usage.DiskPct >= h.diskThreshold {
		h.alerter.Raise(ctx, "host disk utilization above threshold", model.Alert{
			Kind:         model.AlertHostDisk,
			UsagePct:     usage.DiskPct,
			ThresholdPct: h.diskThreshold,
		})
	} else {
		h.logger.Info("host disk usage",
			"usage_pct", round2(usage.DiskPct),
			"capacity", humanize.IBytes(totals.DisksCapacity),
			"allocation", humanize.IBytes(totals.DisksAllocation),
		)
	}

	if usage.MemoryPct >= h.memThreshold {
		h.alerter.Raise(ctx, "host memory utilization above threshold", model.Alert{
			Kind:         model.AlertHostMemory,
			UsagePct:     usage.MemoryPct,
			ThresholdPct: h.memThreshold,
		})
	} else {
		h.logger.Info("host memory usage",
			"usage_pct", round2(usage.MemoryPct),
			"used", humanize.IBytes(totals.UsedRAM),
			"total", humanize.IBytes(totals.TotalRAM),
		)
	}

	h.lastCheck.Store(now.UnixNano())
	return usage
}
