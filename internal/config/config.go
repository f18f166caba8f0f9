package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

type DiskInfoMethod string

const (
	DiskInfoQemu    DiskInfoMethod = "qemu"
	DiskInfoVirsh   DiskInfoMethod = "virsh"
	DiskInfoGuestfs DiskInfoMethod = "guestfs"

	DefaultAlertStreamMethod = "/vmstats.alerts.v1.AlertService/StreamAlerts"
	DefaultAlertStreamBuffer = 64
)

type Config struct {
	Debug             bool           `json:"debug"`
	LogJSON           bool           `json:"log_json"`
	Connection        string         `json:"connection"`
	DiskGetInfoMethod DiskInfoMethod `json:"disk_getinfo_method"`

	HostCheckInterval   time.Duration `json:"host_check_interval"`
	DiskCheckInterval   time.Duration `json:"disk_check_interval"`
	MemoryCheckInterval time.Duration `json:"memory_check_interval"`
	CPUCheckInterval    time.Duration `json:"cpu_check_interval"`

	HostDiskUtilizationAlert   float64 `json:"host_disk_utilization_alert"`
	VMDiskUtilizationAlert     float64 `json:"vm_disk_utilization_alert"`
	HostMemoryUtilizationAlert float64 `json:"host_memory_utilization_alert"`
	VMMemoryUtilizationAlert   float64 `json:"vm_memory_utilization_alert"`

	DiskInfoTimeout  time.Duration `json:"disk_info_timeout"`
	StaleAfterFactor float64       `json:"stale_after_factor"`
	QemuImgPath      string        `json:"qemu_img_path"`
	VirtDFPath       string        `json:"virt_df_path"`

	ProbeListenAddr   string `json:"probe_listen_addr"`
	AlertStreamAddr   string `json:"alert_stream_addr"`
	AlertStreamMethod string `json:"alert_stream_method"`
	AlertStreamToken  string `json:"-"`
	AlertStreamBuffer int    `json:"alert_stream_buffer"`
}

// fileConfig mirrors the on-disk document. Pointers distinguish "absent" from
// zero so the per-VM thresholds can inherit the host ones.
type fileConfig struct {
	Debug             *bool    `json:"debug"`
	LogJSON           *bool    `json:"log_json"`
	Connection        *string  `json:"connection"`
	DiskGetInfoMethod *string  `json:"disk_getinfo_method"`
	HostCheckInterval *Seconds `json:"host_check_interval"`
	DiskCheckInterval *Seconds `json:"disk_check_interval"`
	MemCheckInterval  *Seconds `json:"memory_check_interval"`
	CPUCheckInterval  *Seconds `json:"cpu_check_interval"`

	HostDiskAlert *float64 `json:"host_disk_utilization_alert"`
	VMDiskAlert   *float64 `json:"vm_disk_utilization_alert"`
	HostMemAlert  *float64 `json:"host_memory_utilization_alert"`
	VMMemAlert    *float64 `json:"vm_memory_utilization_alert"`

	DiskInfoTimeout   *Seconds `json:"disk_info_timeout"`
	StaleAfterFactor  *float64 `json:"stale_after_factor"`
	QemuImgPath       *string  `json:"qemu_img_path"`
	VirtDFPath        *string  `json:"virt_df_path"`
	ProbeListenAddr   *string  `json:"probe_listen_addr"`
	AlertStreamAddr   *string  `json:"alert_stream_addr"`
	AlertStreamMethod *string  `json:"alert_stream_method"`
	AlertStreamToken  *string  `json:"alert_stream_token"`
	AlertStreamBuffer *int     `json:"alert_stream_buffer"`
}

func Default() Config {
	return Config{
		Debug:                      false,
		Connection:                 "qemu:///system",
		DiskGetInfoMethod:          DiskInfoQemu,
		HostCheckInterval:          5 * time.Second,
		DiskCheckInterval:          10 * time.Second,
		MemoryCheckInterval:        5 * time.Second,
		CPUCheckInterval:           1 * time.Second,
		HostDiskUtilizationAlert:   80,
		VMDiskUtilizationAlert:     80,
		HostMemoryUtilizationAlert: 80,
		VMMemoryUtilizationAlert:   80,
		QemuImgPath:                "qemu-img",
		VirtDFPath:                 "virt-df",
		AlertStreamMethod:          DefaultAlertStreamMethod,
		AlertStreamBuffer:          DefaultAlertStreamBuffer,
	}
}

// Load reads the optional config file at path, applies VMSTATS_* overrides and
// validates the result. An empty path yields defaults plus overrides.
func Load(path string) (Config, error) {
	var fc fileConfig
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg := fc.apply(Default())
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc fileConfig) apply(cfg Config) Config {
	setBool(&cfg.Debug, fc.Debug)
	setBool(&cfg.LogJSON, fc.LogJSON)
	setString(&cfg.Connection, fc.Connection)
	if fc.DiskGetInfoMethod != nil {
		cfg.DiskGetInfoMethod = DiskInfoMethod(strings.ToLower(strings.TrimSpace(*fc.DiskGetInfoMethod)))
	}
	setDuration(&cfg.HostCheckInterval, fc.HostCheckInterval)
	setDuration(&cfg.DiskCheckInterval, fc.DiskCheckInterval)
	setDuration(&cfg.MemoryCheckInterval, fc.MemCheckInterval)
	setDuration(&cfg.CPUCheckInterval, fc.CPUCheckInterval)

	setFloat(&cfg.HostDiskUtilizationAlert, fc.HostDiskAlert)
	cfg.VMDiskUtilizationAlert = cfg.HostDiskUtilizationAlert
	setFloat(&cfg.VMDiskUtilizationAlert, fc.VMDiskAlert)
	setFloat(&cfg.HostMemoryUtilizationAlert, fc.HostMemAlert)
	cfg.VMMemoryUtilizationAlert = cfg.HostMemoryUtilizationAlert
	setFloat(&cfg.VMMemoryUtilizationAlert, fc.VMMemAlert)

	setDuration(&cfg.DiskInfoTimeout, fc.DiskInfoTimeout)
	setFloat(&cfg.StaleAfterFactor, fc.StaleAfterFactor)
	setString(&cfg.QemuImgPath, fc.QemuImgPath)
	setString(&cfg.VirtDFPath, fc.VirtDFPath)
	setString(&cfg.ProbeListenAddr, fc.ProbeListenAddr)
	setString(&cfg.AlertStreamAddr, fc.AlertStreamAddr)
	setString(&cfg.AlertStreamMethod, fc.AlertStreamMethod)
	setString(&cfg.AlertStreamToken, fc.AlertStreamToken)
	if fc.AlertStreamBuffer != nil {
		cfg.AlertStreamBuffer = *fc.AlertStreamBuffer
	}
	return cfg
}

func (c *Config) applyEnv() {
	c.Debug = envBool("VMSTATS_DEBUG", c.Debug)
	c.LogJSON = envBool("VMSTATS_LOG_JSON", c.LogJSON)
	c.Connection = env("VMSTATS_CONNECTION", c.Connection)
	c.DiskGetInfoMethod = DiskInfoMethod(strings.ToLower(env("VMSTATS_DISK_GETINFO_METHOD", string(c.DiskGetInfoMethod))))
	c.ProbeListenAddr = env("VMSTATS_PROBE_ADDR", c.ProbeListenAddr)
	c.AlertStreamAddr = env("VMSTATS_ALERT_STREAM_ADDR", c.AlertStreamAddr)
	c.AlertStreamToken = env("VMSTATS_ALERT_STREAM_TOKEN", c.AlertStreamToken)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Connection) == "" {
		return errors.New("connection is required")
	}
	switch c.DiskGetInfoMethod {
	case DiskInfoQemu, DiskInfoVirsh, DiskInfoGuestfs:
	default:
		return fmt.Errorf("unsupported disk_getinfo_method %q", c.DiskGetInfoMethod)
	}
	if c.HostCheckInterval <= 0 || c.DiskCheckInterval <= 0 || c.MemoryCheckInterval <= 0 || c.CPUCheckInterval <= 0 {
		return errors.New("check intervals must be > 0")
	}
	for name, v := range map[string]float64{
		"host_disk_utilization_alert":   c.HostDiskUtilizationAlert,
		"vm_disk_utilization_alert":     c.VMDiskUtilizationAlert,
		"host_memory_utilization_alert": c.HostMemoryUtilizationAlert,
		"vm_memory_utilization_alert":   c.VMMemoryUtilizationAlert,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be within [0,100], got %v", name, v)
		}
	}
	if c.DiskInfoTimeout < 0 {
		return errors.New("disk_info_timeout must be >= 0")
	}
	if c.StaleAfterFactor < 0 {
		return errors.New("stale_after_factor must be >= 0")
	}
	if c.AlertStreamAddr != "" && strings.TrimSpace(c.AlertStreamMethod) == "" {
		return errors.New("alert_stream_method is required when alert_stream_addr is set")
	}
	if c.AlertStreamBuffer < 1 {
		return errors.New("alert_stream_buffer must be >= 1")
	}
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *Seconds) {
	if v != nil {
		*dst = time.Duration(*v)
	}
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
