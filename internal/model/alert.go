package model

type AlertKind string

const (
	AlertVMDisk     AlertKind = "vm_disk"
	AlertVMMemory   AlertKind = "vm_memory"
	AlertHostDisk   AlertKind = "host_disk"
	AlertHostMemory AlertKind = "host_memory"
)

// Alert describes a utilization threshold breach. VM fields are empty for host alerts.
type Alert struct {
	Kind          AlertKind `json:"kind"`
	Hostname      string    `json:"hostname"`
	VMName        string    `json:"vm_name,omitempty"`
	VMUUID        string    `json:"vm_uuid,omitempty"`
	Disks         []string  `json:"disks,omitempty"`
	UsagePct      float64   `json:"usage_pct"`
	ThresholdPct  float64   `json:"threshold_pct"`
	TimestampUnix int64     `json:"timestamp_unix"`
}

