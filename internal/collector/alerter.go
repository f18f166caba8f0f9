package collector

import (
	"context"
	"log/slog"
	"time"

	"vmstats-agent/internal/logging"
	"vmstats-agent/internal/model"
	"vmstats-agent/internal/stream"
)

// Alerter is the only producer of CRITICAL log lines. Each alert is also
// handed to the sink; a failed send is logged and otherwise ignored.
type Alerter struct {
	logger   *slog.Logger
	sink     stream.AlertSink
	hostname string
	now      func() time.Time
}

func NewAlerter(logger *slog.Logger, sink stream.AlertSink, hostname string) *Alerter {
	if sink == nil {
		sink = stream.NopSink{}
	}
	return &Alerter{logger: logger, sink: sink, hostname: hostname, now: time.Now}
}

func (a *Alerter) Raise(ctx context.Context, msg string, alert model.Alert) {
	alert.Hostname = a.hostname
	alert.TimestampUnix = a.now().Unix()

	attrs := []any{"kind", string(alert.Kind), "usage_pct", round2(alert.UsagePct), "threshold_pct", alert.ThresholdPct}
	if alert.VMName != "" {
		attrs = append(attrs, "vm", alert.VMName, "vm_uuid", alert.VMUUID)
	}
	if len(alert.Disks) > 0 {
		attrs = append(attrs, "disks", alert.Disks)
	}
	a.logger.Log(ctx, logging.LevelCritical, msg, attrs...)

	if err := a.sink.SendAlert(ctx, alert); err != nil {
		a.logger.Warn("alert forward failed", "kind", string(alert.Kind), "error", err)
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
