package stream

import (
	"context"
	"log/slog"
	"strings"

	"vmstats-agent/internal/config"
	"vmstats-agent/internal/model"
)

// AlertSink receives every CRITICAL alert raised by the samplers and the host
// aggregator. Delivery is best effort.
type AlertSink interface {
	SendAlert(ctx context.Context, alert model.Alert) error
	Close(ctx context.Context) error
}

type AlertFrame struct {
	Hostname      string      `json:"hostname"`
	TimestampUnix int64       `json:"timestamp_unix"`
	Alert         model.Alert `json:"alert"`
}

func NewAlertFrame(a model.Alert) AlertFrame {
	return AlertFrame{Hostname: a.Hostname, TimestampUnix: a.TimestampUnix, Alert: a}
}

type NopSink struct{}

func (NopSink) SendAlert(context.Context, model.Alert) error { return nil }
func (NopSink) Close(context.Context) error                  { return nil }

// NewSinkFromConfig returns a gRPC forwarder when alert_stream_addr is set and
// a NopSink otherwise.
func NewSinkFromConfig(cfg config.Config, logger *slog.Logger) AlertSink {
	addr := strings.TrimSpace(cfg.AlertStreamAddr)
	if addr == "" {
		return NopSink{}
	}
	return NewGRPCClient(addr, cfg.AlertStreamToken, cfg.AlertStreamMethod, cfg.AlertStreamBuffer, logger)
}
