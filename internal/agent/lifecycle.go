package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"vmstats-agent/internal/collector"
	"vmstats-agent/internal/diskinfo"
	"vmstats-agent/internal/stats"
)

// run performs startup in order and fails before any worker starts when the
// connection, discovery or wiring fails.
func (a *Agent) run(ctx context.Context) error {
	if err := a.conn.Connect(ctx); err != nil {
		return fmt.Errorf("libvirt connect: %w", err)
	}
	a.health.SetLibvirtConnected(true)

	vms, volumes, err := a.discover(ctx)
	if err != nil {
		return fmt.Errorf("discover VMs: %w", err)
	}
	a.health.SetVMCount(len(vms))
	table := stats.NewTable(vms)

	opts := diskinfo.Options{
		Method:      a.cfg.DiskGetInfoMethod,
		QemuImgPath: a.cfg.QemuImgPath,
		VirtDFPath:  a.cfg.VirtDFPath,
		Timeout:     a.cfg.DiskInfoTimeout,
	}
	if volumes != nil {
		opts.Volumes = volumes
	}
	provider, err := diskinfo.New(opts)
	if err != nil {
		return fmt.Errorf("disk info provider: %w", err)
	}

	alerter := collector.NewAlerter(a.logger, a.sink, a.hostname)
	workers, host, err := collector.BuildWorkers(a.cfg, vms, table, provider, alerter, a.logger)
	if err != nil {
		return err
	}
	scheduler := collector.NewScheduler(a.logger, workers...)

	probe, err := a.listenProbe()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		return a.runHealthLoop(gctx, scheduler, host)
	})
	if probe != nil {
		g.Go(func() error {
			return a.serveProbe(gctx, probe)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type workerCounter interface {
	Running() int
}

type hostChecker interface {
	LastCheck() time.Time
}

// runHealthLoop refreshes the health state once per host check interval. A
// lost connection is reported, not repaired.
func (a *Agent) runHealthLoop(ctx context.Context, workers workerCounter, host hostChecker) error {
	t := time.NewTicker(a.cfg.HostCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.health.SetWorkersRunning(workers.Running())
			if last := host.LastCheck(); !last.IsZero() {
				a.health.MarkHostCheck(last)
			}
			if err := a.conn.Healthy(); err != nil {
				if a.health.LibvirtConnected() {
					a.logger.Warn("libvirt health check failed", "error", err)
				}
				a.health.SetLibvirtConnected(false)
				continue
			}
			a.health.SetLibvirtConnected(true)
			a.logger.Debug("agent health", "snapshot", a.health.Snapshot())
		}
	}
}

func (a *Agent) listenProbe() (net.Listener, error) {
	addr := strings.TrimSpace(a.cfg.ProbeListenAddr)
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen probe endpoint %s: %w", addr, err)
	}
	a.logger.Info("probe endpoint listening", "addr", ln.Addr().String())
	return ln, nil
}

func (a *Agent) shutdown(ctx context.Context) {
	if err := a.sink.Close(ctx); err != nil {
		a.logger.Warn("alert sink close failed", "error", err)
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Warn("libvirt close failed", "error", err)
	}
	a.health.SetLibvirtConnected(false)
}
