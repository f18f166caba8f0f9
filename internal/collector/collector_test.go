package collector

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmstats-agent/internal/config"
	"vmstats-agent/internal/logging"
	"vmstats-agent/internal/model"
	"vmstats-agent/internal/stats"
)

type diskResult struct {
	capacity, allocation uint64
	err                  error
}

type fakeProvider struct {
	results map[string]diskResult
}

func (f *fakeProvider) Info(_ context.Context, disk model.Disk) (uint64, uint64, error) {
	r, ok := f.results[disk.Path]
	if !ok {
		return 0, 0, errors.New("unknown disk")
	}
	return r.capacity, r.allocation, r.err
}

type fakeMemory struct {
	total, used uint64
	err         error
}

func (f fakeMemory) MemoryUsage(context.Context) (uint64, uint64, error) {
	return f.total, f.used, f.err
}

type fakeCPU struct {
	readings []uint64
	i        int
}

func (f *fakeCPU) CPUTime(context.Context) (uint64, error) {
	if f.i >= len(f.readings) {
		return 0, errors.New("no more readings")
	}
	v := f.readings[f.i]
	f.i++
	return v, nil
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []model.Alert
	err    error
}

func (s *recordingSink) SendAlert(_ context.Context, a model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *recordingSink) Close(context.Context) error { return nil }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return logging.New(buf, logging.Options{Debug: true}), buf
}

func criticalLines(out string) int {
	return strings.Count(out, "level=CRITICAL")
}

func webVM(disks ...string) model.VM {
	vm := model.VM{ID: 1, UUID: "uuid-web-1", Name: "web-1"}
	for _, d := range disks {
		vm.Disks = append(vm.Disks, model.Disk{Path: d})
	}
	return vm
}

func TestDiskSamplerAlertsOncePerCycle(t *testing.T) {
	logger, buf := newTestLogger()
	sink := &recordingSink{}
	vm := webVM("/img/a", "/img/b", "/img/c")
	table := stats.NewTable([]model.VM{vm})
	provider := &fakeProvider{results: map[string]diskResult{
		"/img/a": {capacity: 90, allocation: 100},
		"/img/b": {capacity: 95, allocation: 100},
		"/img/c": {capacity: 99, allocation: 100},
	}}
	s := NewDiskSampler(vm, table.Entry(vm.UUID), provider, 80, time.Second, NewAlerter(logger, sink, "hv1"), logger)

	usage := s.sample(context.Background())
	assert.InDelta(t, 94.666, usage, 0.01)
	assert.Equal(t, 1, criticalLines(buf.String()))

	s.sample(context.Background())
	assert.Equal(t, 2, criticalLines(buf.String()), "one alert per cycle")

	require.Len(t, sink.alerts, 2)
	a := sink.alerts[0]
	assert.Equal(t, model.AlertVMDisk, a.Kind)
	assert.Equal(t, "web-1", a.VMName)
	assert.Equal(t, "hv1", a.Hostname)
	assert.Equal(t, []string{"/img/a", "/img/b", "/img/c"}, a.Disks)
	assert.Equal(t, float64(80), a.ThresholdPct)
}

func TestDiskSamplerZeroAllocation(t *testing.T) {
	logger, buf := newTestLogger()
	vm := webVM("/img/a")
	table := stats.NewTable([]model.VM{vm})
	provider := &fakeProvider{results: map[string]diskResult{"/img/a": {}}}
	s := NewDiskSampler(vm, table.Entry(vm.UUID), provider, 80, time.Second, NewAlerter(logger, nil, "hv1"), logger)

	assert.Equal(t, float64(0), s.sample(context.Background()))
	assert.Zero(t, criticalLines(buf.String()))

	values := table.Entry(vm.UUID).Snapshot().Values()
	assert.Equal(t, uint64(0), values[stats.MetricDisksAllocation])
}

func TestDiskSamplerSkipsFailedDisk(t *testing.T) {
	logger, buf := newTestLogger()
	vm := webVM("/img/a", "/img/broken", "/img/c")
	other := model.VM{ID: 2, UUID: "uuid-db-1", Name: "db-1", Disks: []model.Disk{{Path: "/img/db"}}}
	table := stats.NewTable([]model.VM{vm, other})
	provider := &fakeProvider{results: map[string]diskResult{
		"/img/a":      {capacity: 10, allocation: 20},
		"/img/broken": {err: errors.New("qemu-img: Could not open")},
		"/img/c":      {capacity: 30, allocation: 40},
		"/img/db":     {capacity: 5, allocation: 5},
	}}
	alerter := NewAlerter(logger, nil, "hv1")

	NewDiskSampler(vm, table.Entry(vm.UUID), provider, 100, time.Second, alerter, logger).sample(context.Background())
	NewDiskSampler(other, table.Entry(other.UUID), provider, 100, time.Second, alerter, logger).sample(context.Background())

	snap := table.Entry(vm.UUID).Snapshot()
	assert.Equal(t, uint64(40), snap.DisksCapacity)
	assert.Equal(t, uint64(60), snap.DisksAllocation)
	assert.Contains(t, buf.String(), "skipping disk")
	assert.Contains(t, buf.String(), "/img/broken")

	totals := table.Totals(time.Now(), stats.StalePolicy{})
	assert.Equal(t, uint64(45), totals.DisksCapacity)
	assert.Equal(t, uint64(65), totals.DisksAllocation)
}

func TestDiskSamplerAlertListsSampledDisksOnly(t *testing.T) {
	logger, buf := newTestLogger()
	sink := &recordingSink{}
	vm := webVM("/img/a", "/img/broken", "/img/c")
	table := stats.NewTable([]model.VM{vm})
	provider := &fakeProvider{results: map[string]diskResult{
		"/img/a":      {capacity: 90, allocation: 100},
		"/img/broken": {err: errors.New("volume not found")},
		"/img/c":      {capacity: 90, allocation: 100},
	}}
	s := NewDiskSampler(vm, table.Entry(vm.UUID), provider, 80, time.Second, NewAlerter(logger, sink, "hv1"), logger)

	assert.Equal(t, float64(90), s.sample(context.Background()))
	assert.Equal(t, 1, criticalLines(buf.String()))
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, []string{"/img/a", "/img/c"}, sink.alerts[0].Disks)
}

func TestMemorySampler(t *testing.T) {
	logger, buf := newTestLogger()

	empty := webVM()
	empty.Memory = fakeMemory{}
	table := stats.NewTable([]model.VM{empty})
	usage, ok := NewMemorySampler(empty, table.Entry(empty.UUID), 80, time.Second, NewAlerter(logger, nil, "hv1"), logger).sample(context.Background())
	assert.True(t, ok)
	assert.Equal(t, float64(0), usage)
	assert.Zero(t, criticalLines(buf.String()))

	vm := webVM()
	vm.Memory = fakeMemory{total: 8_000_000_000, used: 6_000_000_000}
	table = stats.NewTable([]model.VM{vm})
	s := NewMemorySampler(vm, table.Entry(vm.UUID), 75, time.Second, NewAlerter(logger, nil, "hv1"), logger)
	usage, ok = s.sample(context.Background())
	assert.True(t, ok)
	assert.Equal(t, float64(75), usage)
	assert.Equal(t, 1, criticalLines(buf.String()), "usage equal to threshold alerts")

	values := table.Entry(vm.UUID).Snapshot().Values()
	assert.Equal(t, uint64(8_000_000_000), values[stats.MetricTotalRAM])
	assert.Equal(t, uint64(6_000_000_000), values[stats.MetricUsedRAM])
}

func TestMemorySamplerReaderError(t *testing.T) {
	logger, buf := newTestLogger()
	vm := webVM()
	vm.Memory = fakeMemory{err: errors.New("balloon driver missing")}
	table := stats.NewTable([]model.VM{vm})

	_, ok := NewMemorySampler(vm, table.Entry(vm.UUID), 0, time.Second, NewAlerter(logger, nil, "hv1"), logger).sample(context.Background())
	assert.False(t, ok)
	assert.Zero(t, criticalLines(buf.String()))
	assert.Empty(t, table.Entry(vm.UUID).Snapshot().Values())
}

func TestCPUSampler(t *testing.T) {
	logger, buf := newTestLogger()
	vm := webVM()
	vm.CPU = &fakeCPU{readings: []uint64{1_000_000_000, 3_000_000_000, 2_000_000_000, 2_500_000_000}}
	table := stats.NewTable([]model.VM{vm})
	s := NewCPUSampler(vm, table.Entry(vm.UUID), time.Second, logger)

	_, ok := s.sample(context.Background())
	assert.False(t, ok, "first reading is a baseline")
	assert.Empty(t, table.Entry(vm.UUID).Snapshot().Values())

	usage, ok := s.sample(context.Background())
	require.True(t, ok)
	assert.Equal(t, float64(200), usage)
	snap := table.Entry(vm.UUID).Snapshot()
	assert.Equal(t, uint64(3_000_000_000), snap.CPUTime)
	assert.Equal(t, float64(200), snap.CPUUsagePct)

	_, ok = s.sample(context.Background())
	assert.False(t, ok, "counter reset re-baselines")

	usage, ok = s.sample(context.Background())
	require.True(t, ok)
	assert.Equal(t, float64(50), usage)

	assert.Zero(t, criticalLines(buf.String()))
}

func TestHostAggregatorDiskUsage(t *testing.T) {
	logger, buf := newTestLogger()
	sink := &recordingSink{}
	vms := []model.VM{{UUID: "a", Name: "a"}, {UUID: "b", Name: "b"}}
	table := stats.NewTable(vms)
	now := time.Now()
	table.Entry("a").SetDisks(100, 50, now)
	table.Entry("b").SetDisks(50, 50, now)
	table.Entry("a").SetMemory(1000, 100, now)

	h := NewHostAggregator(table, 150, 80, time.Second, stats.StalePolicy{}, NewAlerter(logger, sink, "hv1"), logger)
	usage := h.sample(context.Background())

	assert.Equal(t, float64(150), usage.DiskPct)
	assert.Equal(t, float64(10), usage.MemoryPct)
	assert.Equal(t, 1, criticalLines(buf.String()))
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, model.AlertHostDisk, sink.alerts[0].Kind)
	assert.Contains(t, buf.String(), "host memory usage")
	assert.False(t, h.LastCheck().IsZero())
}

func TestHostAggregatorEmptyTable(t *testing.T) {
	logger, buf := newTestLogger()
	h := NewHostAggregator(stats.NewTable(nil), 80, 80, time.Second, stats.StalePolicy{}, NewAlerter(logger, nil, "hv1"), logger)

	usage := h.sample(context.Background())
	assert.Zero(t, usage.DiskPct)
	assert.Zero(t, usage.MemoryPct)
	assert.Zero(t, criticalLines(buf.String()))
}

func TestHostAggregatorExcludesStaleEntries(t *testing.T) {
	logger, buf := newTestLogger()
	table := stats.NewTable([]model.VM{{UUID: "a", Name: "fresh"}, {UUID: "b", Name: "frozen"}})
	now := time.Now()
	table.Entry("a").SetDisks(10, 100, now)
	table.Entry("b").SetDisks(1000, 100, now.Add(-time.Hour))

	h := NewHostAggregator(table, 80, 80, time.Second, stats.StalePolicy{MaxDiskAge: time.Minute}, NewAlerter(logger, nil, "hv1"), logger)
	h.now = func() time.Time { return now }

	usage := h.sample(context.Background())
	assert.Equal(t, float64(10), usage.DiskPct)
	assert.Equal(t, []string{"frozen"}, usage.Totals.StaleDisk)
	assert.Contains(t, buf.String(), "excluding stale VM stats")
}

func TestAlerterForwardFailureIsLogged(t *testing.T) {
	logger, buf := newTestLogger()
	sink := &recordingSink{err: errors.New("unavailable")}
	a := NewAlerter(logger, sink, "hv1")
	a.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	a.Raise(context.Background(), "VM memory utilization above threshold", model.Alert{Kind: model.AlertVMMemory, VMName: "web-1", UsagePct: 91.234})

	require.Len(t, sink.alerts, 1)
	assert.Equal(t, int64(1_700_000_000), sink.alerts[0].TimestampUnix)
	assert.Contains(t, buf.String(), "alert forward failed")
	assert.Contains(t, buf.String(), "usage_pct=91.23")
}

func TestBuildWorkers(t *testing.T) {
	logger, _ := newTestLogger()
	cfg := config.Default()
	vms := []model.VM{webVM("/img/a"), {ID: 2, UUID: "uuid-db-1", Name: "db-1"}}
	table := stats.NewTable(vms)

	workers, host, err := BuildWorkers(cfg, vms, table, &fakeProvider{}, NewAlerter(logger, nil, "hv1"), logger)
	require.NoError(t, err)
	require.Len(t, workers, 7)
	assert.Same(t, host, workers[6])
	assert.Equal(t, "disk/web-1", workers[0].Name())
	assert.Equal(t, cfg.DiskCheckInterval, workers[0].Interval())
	assert.Equal(t, cfg.CPUCheckInterval, workers[5].Interval())

	_, _, err = BuildWorkers(cfg, vms, stats.NewTable(nil), &fakeProvider{}, NewAlerter(logger, nil, "hv1"), logger)
	assert.Error(t, err)
}

func TestStalePolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, stats.StalePolicy{}, StalePolicyFromConfig(cfg))

	cfg.StaleAfterFactor = 2
	p := StalePolicyFromConfig(cfg)
	assert.Equal(t, 2*cfg.DiskCheckInterval, p.MaxDiskAge)
	assert.Equal(t, 2*cfg.MemoryCheckInterval, p.MaxMemoryAge)
}
