package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vmstats-agent/internal/config"
	"vmstats-agent/internal/libvirt"
	"vmstats-agent/internal/logging"
	"vmstats-agent/internal/model"
	"vmstats-agent/internal/stream"
)

const shutdownTimeout = 5 * time.Second

// connection is the part of *libvirt.ConnManager the lifecycle depends on.
type connection interface {
	Connect(ctx context.Context) error
	Healthy() error
	Close() error
}

// discoverFunc returns the active VMs and the volume lookup for the virsh
// disk info strategy.
type discoverFunc func(ctx context.Context) ([]model.VM, *libvirt.VolumeCache, error)

type Agent struct {
	cfg      config.Config
	logger   *slog.Logger
	hostname string
	conn     connection
	discover discoverFunc
	sink     stream.AlertSink
	health   *HealthStatus
}

func New(cfg config.Config, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	conn := libvirt.NewConnManager(cfg.Connection, logger)
	return &Agent{
		cfg:      cfg,
		logger:   logger,
		hostname: hostname,
		conn:     conn,
		discover: discoverWith(conn, logger),
		sink:     stream.NewSinkFromConfig(cfg, logger),
		health:   NewHealthStatus(),
	}, nil
}

func discoverWith(conn *libvirt.ConnManager, logger *slog.Logger) discoverFunc {
	return func(ctx context.Context) ([]model.VM, *libvirt.VolumeCache, error) {
		client, err := conn.Client()
		if err != nil {
			return nil, nil, err
		}
		inv := libvirt.NewInventory(client, libvirt.NewVolumeCache(client), logger)
		vms, err := inv.Discover(ctx)
		if err != nil {
			return nil, nil, err
		}
		return vms, inv.Volumes(), nil
	}
}

// Run starts the monitor and blocks until ctx is cancelled or an interrupt
// arrives. It returns only after every worker has exited.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting vmstats-agent",
		"hostname", a.hostname,
		"connection", a.cfg.Connection,
		"disk_getinfo_method", string(a.cfg.DiskGetInfoMethod),
	)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
		// Startup failure or parent ctx cancelled.
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, waiting for workers", "signal", sig.String())
		cancelRun()
		runErr = a.awaitWorkers(runErrCh, sigCh)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	a.shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	a.logger.Info("vmstats-agent stopped")
	return nil
}

// awaitWorkers never abandons running workers: repeated signals are only logged.
func (a *Agent) awaitWorkers(runErrCh <-chan error, sigCh <-chan os.Signal) error {
	for {
		select {
		case err := <-runErrCh:
			return err
		case sig := <-sigCh:
			a.logger.Warn("shutdown already in progress, still waiting for workers", "signal", sig.String())
		}
	}
}

func BuildLogger(cfg config.Config) *slog.Logger {
	return logging.New(os.Stdout, logging.Options{Debug: cfg.Debug, JSON: cfg.LogJSON})
}
