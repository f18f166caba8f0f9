package collector

import (
	"context"
	"log/slog"
	"time"

	"vmstats-agent/internal/model"
	"vmstats-agent/internal/stats"
)

type MemorySampler struct {
	vm        model.VM
	entry     *stats.Entry
	threshold float64
	interval  time.Duration
	alerter   *Alerter
	logger    *slog.Logger
	now       func() time.Time
}

func NewMemorySampler(vm model.VM, entry *stats.Entry, threshold float64, interval time.Duration, alerter *Alerter, logger *slog.Logger) *MemorySampler {
	return &MemorySampler{
		vm:        vm,
		entry:     entry,
		threshold: threshold,
		interval:  interval,
		alerter:   alerter,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *MemorySampler) Name() string            { return "memory/" + s.vm.Name }
func (s *MemorySampler) Interval() time.Duration { return s.interval }

func (s *MemorySampler) Cycle(ctx context.Context) {
	s.sample(ctx)
}

// sample returns used*100/total, or 0 when total is 0. ok is false when the
// reader failed and nothing was written.
func (s *MemorySampler) sample(ctx context.Context) (usage float64, ok bool) {
	total, used, err := s.vm.Memory.MemoryUsage(ctx)
	if err != nil {
		s.logger.Warn("memory stats unavailable", "vm", s.vm.Name, "error", err)
		return 0, false
	}

	usage = stats.Percent(used, total)
	s.entry.SetMemory(total, used, s.now())
	s.logger.Debug("memory usage", "vm", s.vm.Name, "total", total, "used", used, "usage_pct", round2(usage))

	if usage >= s.threshold {
		s.alerter.Raise(ctx, "VM memory utilization above threshold", model.Alert{
			Kind:         model.AlertVMMemory,
			VMName:       s.vm.Name,
			VMUUID:       s.vm.UUID,
			UsagePct:     usage,
			ThresholdPct: s.threshold,
		})
	}
	return usage, true
}
