package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/provider"
)

// mockGate hands out a scripted handle while tracking gate traffic.
type mockGate struct {
	mu       sync.Mutex
	handle   provider.Handle
	beginErr error
	begins   int
	ends     int
	drops    []error
}

func (g *mockGate) BeginSync(string) (provider.Handle, context.Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.beginErr != nil {
		return nil, nil, g.beginErr
	}
	g.begins++
	return g.handle, context.Background(), nil
}

func (g *mockGate) EndSync(string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ends++
}

func (g *mockGate) ReportDrop(_ string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drops = append(g.drops, err)
}

func (g *mockGate) counts() (begins, ends, drops int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.begins, g.ends, len(g.drops)
}

// mockHandle delegates Pull to a scriptable function.
type mockHandle struct {
	mode provider.PullMode
	pull func(ctx context.Context, since time.Time, emit provider.EmitFunc) error
}

func (h *mockHandle) DiscoverCapabilities(context.Context) ([]model.SampleKind, error) {
	return []model.SampleKind{model.KindSteps}, nil
}

func (h *mockHandle) PullMode() provider.PullMode { return h.mode }

func (h *mockHandle) Pull(ctx context.Context, since time.Time, emit provider.EmitFunc) error {
	return h.pull(ctx, since, emit)
}

func (h *mockHandle) BatteryLevel(context.Context) (int, bool) { return 0, false }
func (h *mockHandle) Dropped() <-chan error                    { return nil }
func (h *mockHandle) Disconnect(context.Context) error         { return nil }

// mockIngestor stores well-formed samples in memory and rejects a scripted
// kind with a validation error.
type mockIngestor struct {
	mu         sync.Mutex
	stored     []model.HealthDataSample
	rejectKind string
	failWith   error
}

func (m *mockIngestor) Ingest(_ context.Context, deviceID string, raw provider.RawSample) (model.HealthDataSample, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return model.HealthDataSample{}, false, m.failWith
	}
	if raw.Kind == m.rejectKind && m.rejectKind != "" {
		return model.HealthDataSample{}, false, &provider.ValidationError{Reason: "scripted rejection", Raw: raw}
	}
	kind, ok := model.ParseSampleKind(raw.Kind)
	if !ok {
		return model.HealthDataSample{}, false, nil
	}
	s := model.HealthDataSample{
		DeviceID:  deviceID,
		Kind:      kind,
		Value:     raw.Value,
		Timestamp: raw.Timestamp.UTC().Truncate(time.Second),
		Source:    raw.Source,
	}
	m.stored = append(m.stored, s)
	return s, true, nil
}

func (m *mockIngestor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stored)
}

// memSnapshotter is an in-memory registry snapshot store.
type memSnapshotter struct {
	mu      sync.Mutex
	devices map[string]model.WearableDevice
}

func newMemSnapshotter() *memSnapshotter {
	return &memSnapshotter{devices: make(map[string]model.WearableDevice)}
}

func (m *memSnapshotter) UpsertDevice(_ context.Context, dev model.WearableDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.ID] = dev
	return nil
}

func (m *memSnapshotter) DeleteDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, id)
	return nil
}

func (m *memSnapshotter) ListDevices(context.Context) ([]model.WearableDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := make([]model.WearableDevice, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	return devices, nil
}
