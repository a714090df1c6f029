package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/provider"
)

// mockAdapter scripts connect outcomes: each call pops the next error from
// the queue (nil = success).
type mockAdapter struct {
	kind model.ProviderKind

	mu       sync.Mutex
	errs     []error
	connects int
	handles  []*mockHandle
}

func newMockAdapter(kind model.ProviderKind, errs ...error) *mockAdapter {
	return &mockAdapter{kind: kind, errs: errs}
}

func (a *mockAdapter) Kind() model.ProviderKind { return a.kind }

func (a *mockAdapter) Connect(_ context.Context, dev model.WearableDevice) (provider.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	h := newMockHandle(dev.ID)
	a.handles = append(a.handles, h)
	return h, nil
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (a *mockAdapter) lastHandle() *mockHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.handles) == 0 {
		return nil
	}
	return a.handles[len(a.handles)-1]
}

// mockHandle is a scriptable transport session.
type mockHandle struct {
	deviceID string
	caps     []model.SampleKind
	dropped  chan error

	mu            sync.Mutex
	disconnects   int
	samples       []provider.RawSample
	pullErr       error
	pullErrAfter  int // emit this many samples before failing; -1 = all
}

func newMockHandle(deviceID string) *mockHandle {
	return &mockHandle{
		deviceID:     deviceID,
		caps:         []model.SampleKind{model.KindSteps, model.KindHeartRate},
		dropped:      make(chan error, 1),
		pullErrAfter: -1,
	}
}

func (h *mockHandle) DiscoverCapabilities(context.Context) ([]model.SampleKind, error) {
	return h.caps, nil
}

func (h *mockHandle) PullMode() provider.PullMode { return provider.PullModeBatch }

func (h *mockHandle) Pull(ctx context.Context, since time.Time, emit provider.EmitFunc) error {
	h.mu.Lock()
	samples := h.samples
	failAfter := h.pullErrAfter
	pullErr := h.pullErr
	h.mu.Unlock()

	emitted := 0
	for _, raw := range samples {
		if raw.Timestamp.Before(since) {
			continue
		}
		if failAfter >= 0 && emitted >= failAfter {
			return pullErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(raw); err != nil {
			return err
		}
		emitted++
	}
	if failAfter >= 0 && pullErr != nil {
		return pullErr
	}
	return nil
}

func (h *mockHandle) BatteryLevel(context.Context) (int, bool) { return 88, true }

func (h *mockHandle) Dropped() <-chan error { return h.dropped }

func (h *mockHandle) Disconnect(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
	return nil
}

func (h *mockHandle) drop(err error) { h.dropped <- err }

func (h *mockHandle) disconnectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnects
}
