// Package stats holds the shared table of the latest per-VM gauges.
//
// Every cell has exactly one writer: the sampler responsible for that metric on
// that VM. The host aggregator is the only reader of the whole table. Cells are
// independent atomics, so a reader may see a previous-cycle value for one metric
// and a current-cycle value for another, but never a partially written number.
package stats

import (
	"math"
	"sort"
	"sync/atomic"
	"time"

	"vmstats-agent/internal/model"
)

// Metric names as published in snapshots and debug logs.
const (
	MetricDisksCapacity   = "disks_capacity"
	MetricDisksAllocation = "disks_allocation"
	MetricTotalRAM        = "total_ram"
	MetricUsedRAM         = "used_ram"
	MetricCPUTime         = "cpu_time"
)

type Entry struct {
	VMName string

	disksCapacity   atomic.Uint64
	disksAllocation atomic.Uint64
	totalRAM        atomic.Uint64
	usedRAM         atomic.Uint64
	cpuTime         atomic.Uint64
	cpuUsageBits    atomic.Uint64

	diskUpdatedAt   atomic.Int64
	memoryUpdatedAt atomic.Int64
	cpuUpdatedAt    atomic.Int64
}

func (e *Entry) SetDisks(capacity, allocation uint64, at time.Time) {
	e.disksCapacity.Store(capacity)
	e.disksAllocation.Store(allocation)
	e.diskUpdatedAt.Store(at.UnixNano())
}

func (e *Entry) SetMemory(total, used uint64, at time.Time) {
	e.totalRAM.Store(total)
	e.usedRAM.Store(used)
	e.memoryUpdatedAt.Store(at.UnixNano())
}

func (e *Entry) SetCPU(cpuTimeNs uint64, usagePct float64, at time.Time) {
	e.cpuTime.Store(cpuTimeNs)
	e.cpuUsageBits.Store(math.Float64bits(usagePct))
	e.cpuUpdatedAt.Store(at.UnixNano())
}

// Snapshot is a point-in-time copy of one entry.
type Snapshot struct {
	VMUUID          string
	VMName          string
	DisksCapacity   uint64
	DisksAllocation uint64
	TotalRAM        uint64
	UsedRAM         uint64
	CPUTime         uint64
	CPUUsagePct     float64
	DiskUpdatedAt   time.Time
	MemoryUpdatedAt time.Time
	CPUUpdatedAt    time.Time
}

func (e *Entry) Snapshot() Snapshot {
	return Snapshot{
		VMName:          e.VMName,
		DisksCapacity:   e.disksCapacity.Load(),
		DisksAllocation: e.disksAllocation.Load(),
		TotalRAM:        e.totalRAM.Load(),
		UsedRAM:         e.usedRAM.Load(),
		CPUTime:         e.cpuTime.Load(),
		CPUUsagePct:     math.Float64frombits(e.cpuUsageBits.Load()),
		DiskUpdatedAt:   unixNano(e.diskUpdatedAt.Load()),
		MemoryUpdatedAt: unixNano(e.memoryUpdatedAt.Load()),
		CPUUpdatedAt:    unixNano(e.cpuUpdatedAt.Load()),
	}
}

// Values returns the published gauges keyed by metric name. Metrics that were
// never written are absent.
func (s Snapshot) Values() map[string]uint64 {
	out := map[string]uint64{}
	if !s.DiskUpdatedAt.IsZero() {
		out[MetricDisksCapacity] = s.DisksCapacity
		out[MetricDisksAllocation] = s.DisksAllocation
	}
	if !s.MemoryUpdatedAt.IsZero() {
		out[MetricTotalRAM] = s.TotalRAM
		out[MetricUsedRAM] = s.UsedRAM
	}
	if !s.CPUUpdatedAt.IsZero() {
		out[MetricCPUTime] = s.CPUTime
	}
	return out
}

// Table maps VM UUID to its entry. Keys are fixed at construction; the map is
// never written afterwards, so lookups need no lock.
type Table struct {
	entries map[string]*Entry
	order   []string
}

func NewTable(vms []model.VM) *Table {
	t := &Table{
		entries: make(map[string]*Entry, len(vms)),
		order:   make([]string, 0, len(vms)),
	}
	for _, vm := range vms {
		if _, exists := t.entries[vm.UUID]; exists {
			continue
		}
		t.entries[vm.UUID] = &Entry{VMName: vm.Name}
		t.order = append(t.order, vm.UUID)
	}
	return t
}

// Entry returns the entry for uuid, or nil when the VM was not discovered at startup.
func (t *Table) Entry(uuid string) *Entry {
	return t.entries[uuid]
}

func (t *Table) Len() int {
	return len(t.order)
}

func (t *Table) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(t.order))
	for _, uuid := range t.order {
		s := t.entries[uuid].Snapshot()
		s.VMUUID = uuid
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].VMName < out[j].VMName })
	return out
}

// StalePolicy excludes cells older than the given ages. A zero age disables the check.
type StalePolicy struct {
	MaxDiskAge   time.Duration
	MaxMemoryAge time.Duration
}

// Totals is the host-wide fold of every entry.
type Totals struct {
	DisksCapacity   uint64
	DisksAllocation uint64
	TotalRAM        uint64
	UsedRAM         uint64
	StaleDisk       []string
	StaleMemory     []string
}

func (t *Table) Totals(now time.Time, policy StalePolicy) Totals {
	var out Totals
	for _, s := range t.Snapshots() {
		if isStale(now, s.DiskUpdatedAt, policy.MaxDiskAge) {
			out.StaleDisk = append(out.StaleDisk, s.VMName)
		} else {
			out.DisksCapacity += s.DisksCapacity
			out.DisksAllocation += s.DisksAllocation
		}
		if isStale(now, s.MemoryUpdatedAt, policy.MaxMemoryAge) {
			out.StaleMemory = append(out.StaleMemory, s.VMName)
		} else {
			out.TotalRAM += s.TotalRAM
			out.UsedRAM += s.UsedRAM
		}
	}
	return out
}

// isStale never flags a cell that has not been written yet: it contributes zero anyway.
func isStale(now, updatedAt time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 || updatedAt.IsZero() {
		return false
	}
	return now.Sub(updatedAt) > maxAge
}

func unixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

// Percent returns part*100/whole, or 0 when whole is zero.
func Percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) * 100 / float64(whole)
}
