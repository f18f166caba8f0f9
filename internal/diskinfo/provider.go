// Package diskinfo resolves the capacity and allocation of a VM disk using one
// of three interchangeable strategies selected by configuration.
package diskinfo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"vmstats-agent/internal/config"
	"vmstats-agent/internal/model"
)

// Provider returns (capacity, allocation) for one disk. Units are bytes; which
// figure is "capacity" follows each strategy's historical mapping.
type Provider interface {
	Info(ctx context.Context, disk model.Disk) (capacity, allocation uint64, err error)
}

// VolumeLookup resolves a disk path to storage volume figures.
type VolumeLookup interface {
	Info(ctx context.Context, path string) (capacity, allocation uint64, err error)
}

type Options struct {
	Method      config.DiskInfoMethod
	QemuImgPath string
	VirtDFPath  string
	Volumes     VolumeLookup
	Timeout     time.Duration
}

func New(opts Options) (Provider, error) {
	var p Provider
	switch opts.Method {
	case config.DiskInfoQemu, "":
		p = &QemuImg{binary: orDefault(opts.QemuImgPath, "qemu-img"), run: runCommand}
	case config.DiskInfoVirsh:
		if opts.Volumes == nil {
			return nil, errors.New("virsh disk info requires a volume lookup")
		}
		p = &Virsh{volumes: opts.Volumes}
	case config.DiskInfoGuestfs:
		p = &Guestfs{binary: orDefault(opts.VirtDFPath, "virt-df"), run: runCommand}
	default:
		return nil, fmt.Errorf("unsupported disk info method %q", opts.Method)
	}
	if opts.Timeout > 0 {
		p = &timeoutProvider{inner: p, timeout: opts.Timeout}
	}
	return p, nil
}

// Virsh reads volume metadata from the storage pools known to libvirt.
type Virsh struct {
	volumes VolumeLookup
}

func (v *Virsh) Info(ctx context.Context, disk model.Disk) (uint64, uint64, error) {
	return v.volumes.Info(ctx, disk.Path)
}

// timeoutProvider bounds one call. The inner call keeps running in the
// background when it ignores ctx; its result is then discarded.
type timeoutProvider struct {
	inner   Provider
	timeout time.Duration
}

type infoResult struct {
	capacity, allocation uint64
	err                  error
}

func (t *timeoutProvider) Info(ctx context.Context, disk model.Disk) (uint64, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan infoResult, 1)
	go func() {
		c, a, err := t.inner.Info(ctx, disk)
		done <- infoResult{capacity: c, allocation: a, err: err}
	}()
	select {
	case r := <-done:
		return r.capacity, r.allocation, r.err
	case <-ctx.Done():
		return 0, 0, fmt.Errorf("disk info %s: %w", disk.Path, ctx.Err())
	}
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%s not found", name)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
