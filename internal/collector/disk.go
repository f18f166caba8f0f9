package collector

import (
	"context"
	"log/slog"
	"time"

	"vmstats-agent/internal/diskinfo"
	"vmstats-agent/internal/model"
	"vmstats-agent/internal/stats"
)

// DiskSampler sums the file-backed disks of one VM each cycle. A disk whose
// info call fails is skipped for that cycle only.
type DiskSampler struct {
	vm        model.VM
	entry     *stats.Entry
	provider  diskinfo.Provider
	threshold float64
	interval  time.Duration
	alerter   *Alerter
	logger    *slog.Logger
	now       func() time.Time
}

func NewDiskSampler(vm model.VM, entry *stats.Entry, provider diskinfo.Provider, threshold float64, interval time.Duration, alerter *Alerter, logger *slog.Logger) *DiskSampler {
	return &DiskSampler{
		vm:        vm,
		entry:     entry,
		provider:  provider,
		threshold: threshold,
		interval:  interval,
		alerter:   alerter,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *DiskSampler) Name() string            { return "disk/" + s.vm.Name }
func (s *DiskSampler) Interval() time.Duration { return s.interval }

func (s *DiskSampler) Cycle(ctx context.Context) {
	s.sample(ctx)
}

// sample returns capacity*100/allocation over every disk that answered.
func (s *DiskSampler) sample(ctx context.Context) float64 {
	var capacity, allocation uint64
	sampled := make([]string, 0, len(s.vm.Disks))
	for _, disk := range s.vm.Disks {
		c, a, err := s.provider.Info(ctx, disk)
		if err != nil {
			s.logger.Debug("disk info unavailable, skipping disk", "vm", s.vm.Name, "disk", disk.Path, "error", err)
			continue
		}
		s.logger.Debug("disk usage",
			"vm", s.vm.Name,
			"disk", disk.Path,
			"target", disk.Target,
			"capacity", c,
			"allocation", a,
			"usage_pct", round2(stats.Percent(c, a)),
		)
		capacity += c
		allocation += a
		sampled = append(sampled, disk.Path)
	}

	usage := stats.Percent(capacity, allocation)
	s.entry.SetDisks(capacity, allocation, s.now())

	if usage >= s.threshold {
		s.alerter.Raise(ctx, "VM disk utilization above threshold", model.Alert{
			Kind:         model.AlertVMDisk,
			VMName:       s.vm.Name,
			VMUUID:       s.vm.UUID,
			Disks:        sampled,
			UsagePct:     usage,
			ThresholdPct: s.threshold,
		})
	}
	return usage
}
