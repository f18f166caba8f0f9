package collector

import (
	"context"
	"log/slog"
	"time"

	"vmstats-agent/internal/model"
	"vmstats-agent/internal/stats"
)

// CPUSampler turns the cumulative CPU time counter into a usage percentage
// over the configured interval. It never raises alerts.
type CPUSampler struct {
	vm       model.VM
	entry    *stats.Entry
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	prev    uint64
	hasPrev bool
}

func NewCPUSampler(vm model.VM, entry *stats.Entry, interval time.Duration, logger *slog.Logger) *CPUSampler {
	return &CPUSampler{vm: vm, entry: entry, interval: interval, logger: logger, now: time.Now}
}

func (s *CPUSampler) Name() string            { return "cpu/" + s.vm.Name }
func (s *CPUSampler) Interval() time.Duration { return s.interval }

func (s *CPUSampler) Cycle(ctx context.Context) {
	s.sample(ctx)
}

// sample returns ok=false for the baseline reading, after a counter reset and
// when the reader fails.
func (s *CPUSampler) sample(ctx context.Context) (usage float64, ok bool) {
	cpuTime, err := s.vm.CPU.CPUTime(ctx)
	if err != nil {
		s.logger.Warn("cpu time unavailable", "vm", s.vm.Name, "error", err)
		return 0, false
	}

	prev, hadPrev := s.prev, s.hasPrev
	s.prev, s.hasPrev = cpuTime, true
	if !hadPrev {
		s.logger.Debug("cpu baseline recorded", "vm", s.vm.Name, "cpu_time", cpuTime)
		return 0, false
	}
	if cpuTime < prev {
		s.logger.Debug("cpu time went backwards, resetting baseline", "vm", s.vm.Name, "cpu_time", cpuTime, "previous", prev)
		return 0, false
	}

	delta := time.Duration(cpuTime - prev)
	usage = 100 * delta.Seconds() / s.interval.Seconds()
	s.entry.SetCPU(cpuTime, usage, s.now())
	s.logger.Debug("cpu usage", "vm", s.vm.Name, "cpu_time", cpuTime, "usage_pct", round2(usage))
	return usage, true
}
