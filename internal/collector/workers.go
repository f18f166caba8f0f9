package collector

import (
	"fmt"
	"log/slog"
	"time"

	"vmstats-agent/internal/config"
	"vmstats-agent/internal/diskinfo"
	"vmstats-agent/internal/model"
	"vmstats-agent/internal/stats"
)

// BuildWorkers creates the disk, memory and CPU samplers of every VM plus the
// host aggregator, in that order. Every VM must already have a table entry.
func BuildWorkers(cfg config.Config, vms []model.VM, table *stats.Table, provider diskinfo.Provider, alerter *Alerter, logger *slog.Logger) ([]Worker, *HostAggregator, error) {
	workers := make([]Worker, 0, 3*len(vms)+1)
	seen := make(map[string]struct{}, len(vms))
	for _, vm := range vms {
		if _, dup := seen[vm.UUID]; dup {
			logger.Warn("duplicate VM uuid, sampling first occurrence only", "vm", vm.Name, "vm_uuid", vm.UUID)
			continue
		}
		seen[vm.UUID] = struct{}{}

		entry := table.Entry(vm.UUID)
		if entry == nil {
			return nil, nil, fmt.Errorf("no stats entry for vm %s (%s)", vm.Name, vm.UUID)
		}
		workers = append(workers,
			NewDiskSampler(vm, entry, provider, cfg.VMDiskUtilizationAlert, cfg.DiskCheckInterval, alerter, logger),
			NewMemorySampler(vm, entry, cfg.VMMemoryUtilizationAlert, cfg.MemoryCheckInterval, alerter, logger),
			NewCPUSampler(vm, entry, cfg.CPUCheckInterval, logger),
		)
	}

	host := NewHostAggregator(
		table,
		cfg.HostDiskUtilizationAlert,
		cfg.HostMemoryUtilizationAlert,
		cfg.HostCheckInterval,
		StalePolicyFromConfig(cfg),
		alerter,
		logger,
	)
	return append(workers, host), host, nil
}

// StalePolicyFromConfig scales each sampler interval by stale_after_factor.
// A zero factor disables staleness checks.
func StalePolicyFromConfig(cfg config.Config) stats.StalePolicy {
	if cfg.StaleAfterFactor <= 0 {
		return stats.StalePolicy{}
	}
	return stats.StalePolicy{
		MaxDiskAge:   scale(cfg.DiskCheckInterval, cfg.StaleAfterFactor),
		MaxMemoryAge: scale(cfg.MemoryCheckInterval, cfg.StaleAfterFactor),
	}
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}
