package model

import "context"

// Disk is a file-backed disk of a VM. Capacity and allocation are never stored
// here; they are recomputed on every disk sampling cycle.
type Disk struct {
	Path   string `json:"path"`
	Target string `json:"target,omitempty"`
}

// VM is discovered once at startup and stays immutable for the process lifetime.
type VM struct {
	ID     int32        `json:"id"`
	UUID   string       `json:"uuid"`
	Name   string       `json:"name"`
	Disks  []Disk       `json:"disks"`
	Memory MemoryReader `json:"-"`
	CPU    CPUReader    `json:"-"`
}

// MemoryReader returns the live memory balloon view of a domain in bytes.
type MemoryReader interface {
	MemoryUsage(ctx context.Context) (total, used uint64, err error)
}

// CPUReader returns cumulative CPU time of a domain in nanoseconds.
type CPUReader interface {
	CPUTime(ctx context.Context) (uint64, error)
}

func (vm VM) DiskPaths() []string {
	out := make([]string, 0, len(vm.Disks))
	for _, d := range vm.Disks {
		out = append(out, d.Path)
	}
	return out
}
