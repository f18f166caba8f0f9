package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"vmstats-agent/internal/model"
)

var ErrMemoryStatsIncomplete = errors.New("balloon stats lack actual or available memory")

// DomainClient is the subset of *golibvirt.Libvirt used to discover domains
// and read their live memory and CPU counters.
type DomainClient interface {
	ConnectNumOfDomains() (int32, error)
	ConnectListDomains(Maxids int32) ([]int32, error)
	DomainLookupByID(ID int32) (golibvirt.Domain, error)
	DomainGetXMLDesc(Dom golibvirt.Domain, Flags golibvirt.DomainXMLFlags) (string, error)
	DomainMemoryStats(Dom golibvirt.Domain, MaxStats uint32, Flags uint32) ([]golibvirt.DomainMemoryStat, error)
	DomainGetInfo(Dom golibvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error)
}

// Inventory enumerates the active domains once at startup. It also owns the
// storage volume cache used by the virsh disk info strategy.
type Inventory struct {
	client  DomainClient
	volumes *VolumeCache
	logger  *slog.Logger
}

func NewInventory(client DomainClient, volumes *VolumeCache, logger *slog.Logger) *Inventory {
	return &Inventory{client: client, volumes: volumes, logger: logger}
}

func (i *Inventory) Volumes() *VolumeCache {
	return i.volumes
}

// Discover lists the currently active domains. Domains that vanish between the
// listing and the lookup, or whose XML cannot be read, are skipped.
func (i *Inventory) Discover(ctx context.Context) ([]model.VM, error) {
	n, err := i.client.ConnectNumOfDomains()
	if err != nil {
		return nil, fmt.Errorf("count active domains: %w", err)
	}
	if n == 0 {
		i.logger.Info("found active VMs at the host", "count", 0)
		return []model.VM{}, nil
	}
	ids, err := i.client.ConnectListDomains(n)
	if err != nil {
		return nil, fmt.Errorf("list active domains: %w", err)
	}

	vms := make([]model.VM, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vm, err := i.describe(id)
		if err != nil {
			i.logger.Warn("skipping domain", "domain_id", id, "error", err)
			continue
		}
		i.logger.Debug("file-backed disks", "vm", vm.Name, "disks", vm.DiskPaths())
		vms = append(vms, vm)
	}

	names := make([]string, 0, len(vms))
	for _, vm := range vms {
		names = append(names, vm.Name)
	}
	i.logger.Info("found active VMs at the host", "count", len(vms))
	i.logger.Debug("discovered VMs", "names", strings.Join(names, ", "))
	return vms, nil
}

func (i *Inventory) describe(id int32) (model.VM, error) {
	dom, err := i.client.DomainLookupByID(id)
	if err != nil {
		return model.VM{}, fmt.Errorf("lookup domain %d: %w", id, err)
	}
	xmlDesc, err := i.client.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return model.VM{}, fmt.Errorf("read domain %s xml: %w", dom.Name, err)
	}
	disks, err := parseFileDisks(xmlDesc)
	if err != nil {
		return model.VM{}, fmt.Errorf("parse domain %s xml: %w", dom.Name, err)
	}

	reader := &domainReader{client: i.client, dom: dom}
	return model.VM{
		ID:     id,
		UUID:   uuid.UUID(dom.UUID).String(),
		Name:   dom.Name,
		Disks:  disks,
		Memory: reader,
		CPU:    reader,
	}, nil
}

// parseFileDisks keeps only disks with device="disk" backed by a plain file.
// Network, block and volume sources are not sampled.
func parseFileDisks(xmlDesc string) ([]model.Disk, error) {
	var d libvirtxml.Domain
	if err := d.Unmarshal(xmlDesc); err != nil {
		return nil, err
	}
	if d.Devices == nil {
		return []model.Disk{}, nil
	}
	out := make([]model.Disk, 0, len(d.Devices.Disks))
	for _, disk := range d.Devices.Disks {
		if disk.Device != "disk" || disk.Source == nil || disk.Source.File == nil {
			continue
		}
		path := strings.TrimSpace(disk.Source.File.File)
		if path == "" {
			continue
		}
		target := ""
		if disk.Target != nil {
			target = disk.Target.Dev
		}
		out = append(out, model.Disk{Path: path, Target: target})
	}
	return out, nil
}

type domainReader struct {
	client DomainClient
	dom    golibvirt.Domain
}

// MemoryUsage reports the balloon size as total and total minus the
// guest-reported available memory as used. libvirt reports KiB. Guests without
// a balloon stats driver omit "available"; that is an error, not 100% usage.
func (r *domainReader) MemoryUsage(ctx context.Context) (uint64, uint64, error) {
	_ = ctx
	stats, err := r.client.DomainMemoryStats(r.dom, uint32(golibvirt.DomainMemoryStatNr), 0)
	if err != nil {
		return 0, 0, fmt.Errorf("memory stats of %s: %w", r.dom.Name, err)
	}
	var actual, available uint64
	var hasActual, hasAvailable bool
	for _, s := range stats {
		switch s.Tag {
		case int32(golibvirt.DomainMemoryStatActualBalloon):
			actual, hasActual = s.Val*1024, true
		case int32(golibvirt.DomainMemoryStatAvailable):
			available, hasAvailable = s.Val*1024, true
		}
	}
	if !hasActual || !hasAvailable {
		return 0, 0, fmt.Errorf("memory stats of %s: %w", r.dom.Name, ErrMemoryStatsIncomplete)
	}
	return actual, usedMemory(actual, available), nil
}

func (r *domainReader) CPUTime(ctx context.Context) (uint64, error) {
	_ = ctx
	_, _, _, _, cpuTime, err := r.client.DomainGetInfo(r.dom)
	if err != nil {
		return 0, fmt.Errorf("domain info of %s: %w", r.dom.Name, err)
	}
	return cpuTime, nil
}

func usedMemory(total, available uint64) uint64 {
	if available >= total {
		return 0
	}
	return total - available
}
