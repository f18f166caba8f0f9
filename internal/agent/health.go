package agent

import (
	"sync/atomic"
	"time"
)

type HealthStatus struct {
	libvirtConnected atomic.Bool
	vmCount          atomic.Int32
	workersRunning   atomic.Int32
	lastHostCheckAt  atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{}
}

func (h *HealthStatus) SetLibvirtConnected(ok bool) {
	h.libvirtConnected.Store(ok)
}

func (h *HealthStatus) LibvirtConnected() bool {
	return h.libvirtConnected.Load()
}

func (h *HealthStatus) SetVMCount(n int) {
	h.vmCount.Store(int32(n))
}

func (h *HealthStatus) SetWorkersRunning(n int) {
	h.workersRunning.Store(int32(n))
}

func (h *HealthStatus) MarkHostCheck(ts time.Time) {
	h.lastHostCheckAt.Store(ts.UnixNano())
}

// ProbeLine is what the liveness probe writes back.
func (h *HealthStatus) ProbeLine() string {
	if !h.libvirtConnected.Load() {
		return "vmstats-agent:degraded"
	}
	return "vmstats-agent:ok"
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"libvirt_connected": h.libvirtConnected.Load(),
		"vms":               h.vmCount.Load(),
		"workers_running":   h.workersRunning.Load(),
	}
	if v := h.lastHostCheckAt.Load(); v > 0 {
		out["last_host_check_at"] = time.Unix(0, v).UTC()
	}
	return out
}
