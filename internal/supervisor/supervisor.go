// Package supervisor drives the per-device connection state machine:
//
//	Disconnected → Connecting → Connected ⇄ Syncing
//	                  ↓    ↑          ↓
//	                Reconnecting ←────┘
//
// One worker goroutine per device owns the adapter handle and the
// reconnection policy (exponential backoff with full jitter, per-provider
// attempt ceiling). Every transition is published on the event bus. The
// scheduler may only dispatch sync work through [Supervisor.BeginSync],
// which admits a device only while it is Connected.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/wearsync/wearsync/internal/bus"
	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/provider"
	"github.com/wearsync/wearsync/internal/registry"
)

const (
	otelScope        = "wearsync/supervisor"
	metricReconnects = "wearsync.supervisor.reconnects"
	metricGaveUp     = "wearsync.supervisor.gave_up"
)

// ErrNotConnected is returned by BeginSync when the device is not in the
// Connected state.
var ErrNotConnected = errors.New("device not connected")

// Config holds the reconnection policy.
type Config struct {
	// ConnectTimeout bounds a single adapter connect (and capability
	// discovery) call.
	ConnectTimeout time.Duration

	// BackoffBase and BackoffCap shape the reconnect delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxAttempts is the per-provider ceiling on consecutive failed
	// connect attempts before the device is parked in Disconnected and
	// flagged as needing attention. 0 means unbounded (the BLE default).
	MaxAttempts map[model.ProviderKind]int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = defaultBackoffCap
	}
}

// worker is the per-device state machine instance.
type worker struct {
	id     string
	kind   model.ProviderKind
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     model.ConnectionState
	handle    provider.Handle
	forgotten bool

	// drops receives externally reported transport failures (a pull that
	// died mid-stream) in addition to the handle's own Dropped channel.
	drops chan error
}

// Supervisor owns all device workers. Create one with [New].
type Supervisor struct {
	adapters map[model.ProviderKind]provider.Adapter
	reg      *registry.Registry
	bus      *bus.Bus
	cfg      Config
	log      *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup

	cntReconnects metric.Int64Counter
	cntGaveUp     metric.Int64Counter
}

// New creates a Supervisor for the given adapters.
func New(adapters map[model.ProviderKind]provider.Adapter, reg *registry.Registry, b *bus.Bus, cfg Config, logger *slog.Logger) *Supervisor {
	cfg.applyDefaults()
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Supervisor{
		adapters: adapters,
		reg:      reg,
		bus:      b,
		cfg:      cfg,
		log:      logger,
		workers:  make(map[string]*worker),

		cntReconnects: mustCounter(metricReconnects, "Number of reconnect attempts"),
		cntGaveUp:     mustCounter(metricGaveUp, "Number of devices parked after exhausting reconnect attempts"),
	}
}

// Connect registers the device (if new) and starts its connection worker.
// Calling Connect for a device that already has a live worker is a no-op.
func (s *Supervisor) Connect(ctx context.Context, dev model.WearableDevice) error {
	adapter, ok := s.adapters[dev.Provider]
	if !ok {
		return provider.NewConnectError(provider.Unsupported,
			fmt.Errorf("no adapter registered for provider %q", dev.Provider))
	}

	if _, exists := s.reg.Get(dev.ID); !exists {
		if err := s.reg.Add(ctx, dev); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.workers[dev.ID]; running {
		return nil
	}

	wctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		id:     dev.ID,
		kind:   dev.Provider,
		ctx:    wctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  model.StateDisconnected,
		drops:  make(chan error, 1),
	}
	s.workers[dev.ID] = w

	s.wg.Add(1)
	go s.run(w, adapter)
	return nil
}

// Forget cancels any in-flight work for the device, releases its adapter
// handle, removes it from the registry, and publishes a terminal
// Disconnected event. The device will not be scheduled again.
func (s *Supervisor) Forget(ctx context.Context, id string) error {
	s.mu.Lock()
	w := s.workers[id]
	delete(s.workers, id)
	s.mu.Unlock()

	last := model.StateDisconnected
	if dev, ok := s.reg.Get(id); ok {
		last = dev.State
	} else if w == nil {
		return fmt.Errorf("device %q not registered", id)
	}

	if w != nil {
		w.mu.Lock()
		w.forgotten = true
		w.mu.Unlock()
		w.cancel()
		select {
		case <-w.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for device %q worker to stop: %w", id, ctx.Err())
		}
	}

	if err := s.reg.Remove(ctx, id); err != nil {
		return err
	}
	s.bus.Publish(model.ConnectionStateChanged{
		DeviceID: id,
		Old:      last,
		New:      model.StateDisconnected,
		Reason:   "forgotten",
		At:       time.Now().UTC(),
	})
	s.log.Info("device forgotten", "device", id)
	return nil
}

// BeginSync admits a sync job: it moves the device from Connected to Syncing
// and returns the adapter handle plus the worker's context, so forget()
// cancels the job. Returns [ErrNotConnected] when the device is in any other
// state.
func (s *Supervisor) BeginSync(id string) (provider.Handle, context.Context, error) {
	s.mu.Lock()
	w := s.workers[id]
	s.mu.Unlock()
	if w == nil {
		return nil, nil, fmt.Errorf("device %q: %w", id, ErrNotConnected)
	}

	w.mu.Lock()
	if w.state != model.StateConnected || w.handle == nil {
		state := w.state
		w.mu.Unlock()
		return nil, nil, fmt.Errorf("device %q in state %s: %w", id, state, ErrNotConnected)
	}
	handle := w.handle
	w.mu.Unlock()

	s.transition(w, model.StateSyncing, "")
	return handle, w.ctx, nil
}

// EndSync returns the device from Syncing to Connected. A no-op if the
// worker already left Syncing (drop or forget during the job).
func (s *Supervisor) EndSync(id string) {
	s.mu.Lock()
	w := s.workers[id]
	s.mu.Unlock()
	if w == nil {
		return
	}

	w.mu.Lock()
	inSync := w.state == model.StateSyncing
	w.mu.Unlock()
	if inSync {
		s.transition(w, model.StateConnected, "")
	}
}

// ReportDrop feeds an externally observed transport failure (a pull that
// died) into the worker, moving the device onto the reconnect path.
func (s *Supervisor) ReportDrop(id string, err error) {
	s.mu.Lock()
	w := s.workers[id]
	s.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.drops <- err:
	default: // a drop is already pending
	}
}

// State returns the device's current state machine state as the supervisor
// sees it.
func (s *Supervisor) State(id string) (model.ConnectionState, bool) {
	s.mu.Lock()
	w := s.workers[id]
	s.mu.Unlock()
	if w == nil {
		if dev, ok := s.reg.Get(id); ok {
			return dev.State, true
		}
		return "", false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, true
}

// Close cancels every worker and waits for them to release their handles.
func (s *Supervisor) Close() {
	s.mu.Lock()
	for _, w := range s.workers {
		w.cancel()
	}
	s.workers = make(map[string]*worker)
	s.mu.Unlock()
	s.wg.Wait()
}

// --- worker loop -------------------------------------------------------------

// run is the worker goroutine: connect, watch for drops, back off, repeat.
func (s *Supervisor) run(w *worker, adapter provider.Adapter) {
	defer s.wg.Done()
	defer close(w.done)

	attempts := 0
	ceiling := s.cfg.MaxAttempts[w.kind]

	for {
		if w.ctx.Err() != nil {
			s.park(w, "")
			return
		}

		s.transition(w, model.StateConnecting, "")

		dev, ok := s.reg.Get(w.id)
		if !ok {
			// Forgotten between iterations.
			return
		}

		cctx, cancel := context.WithTimeout(w.ctx, s.cfg.ConnectTimeout)
		handle, err := adapter.Connect(cctx, dev)
		cancel()

		if w.ctx.Err() != nil {
			if handle != nil {
				s.release(handle)
			}
			s.park(w, "")
			return
		}

		if err != nil {
			switch failure := provider.ConnectFailureOf(err); failure {
			case provider.Unauthorized, provider.Unsupported:
				// User-actionable; never auto-retried.
				s.log.Warn("connect rejected", "device", w.id, "failure", failure.String(), "error", err)
				s.park(w, err.Error())
				s.detach(w)
				return
			default:
				attempts++
				s.cntReconnects.Add(w.ctx, 1)
				if ceiling > 0 && attempts >= ceiling {
					s.log.Error("reconnect ceiling exceeded, device needs attention",
						"device", w.id, "attempts", attempts, "error", err)
					s.cntGaveUp.Add(w.ctx, 1)
					s.park(w, fmt.Sprintf("unreachable after %d attempts: %v", attempts, err))
					s.detach(w)
					return
				}
				s.transition(w, model.StateReconnecting, err.Error())
				if !s.sleep(w, backoffDelay(attempts-1, s.cfg.BackoffBase, s.cfg.BackoffCap)) {
					s.park(w, "")
					return
				}
				continue
			}
		}

		attempts = 0
		s.attach(w, handle)

		dropErr := s.watch(w, handle)
		s.release(handle)
		w.mu.Lock()
		w.handle = nil
		w.mu.Unlock()

		if w.ctx.Err() != nil {
			s.park(w, "")
			return
		}

		s.log.Warn("transport dropped", "device", w.id, "error", dropErr)
		s.transition(w, model.StateReconnecting, errString(dropErr))
		attempts = 1
		s.cntReconnects.Add(w.ctx, 1)
		if !s.sleep(w, backoffDelay(0, s.cfg.BackoffBase, s.cfg.BackoffCap)) {
			s.park(w, "")
			return
		}
	}
}

// attach finishes a successful connect: discover capabilities, refresh
// battery, move to Connected.
func (s *Supervisor) attach(w *worker, handle provider.Handle) {
	w.mu.Lock()
	w.handle = handle
	w.mu.Unlock()

	dctx, cancel := context.WithTimeout(w.ctx, s.cfg.ConnectTimeout)
	defer cancel()

	caps, err := handle.DiscoverCapabilities(dctx)
	if err != nil {
		// Capability discovery failure is a transport problem; the
		// drop path picks it up on the next watch iteration.
		s.log.Warn("capability discovery failed", "device", w.id, "error", err)
	}
	battery, hasBattery := handle.BatteryLevel(dctx)

	_, _ = s.reg.Update(dctx, w.id, func(d *model.WearableDevice) {
		if err == nil {
			d.Capabilities = caps
		}
		if hasBattery {
			d.BatteryLevel = &battery
		}
		d.LastError = ""
	})

	s.transition(w, model.StateConnected, "")
	s.log.Info("device connected", "device", w.id, "capabilities", len(caps))
}

// watch blocks until the transport drops, a drop is reported externally, or
// the worker is cancelled.
func (s *Supervisor) watch(w *worker, handle provider.Handle) error {
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case err := <-w.drops:
		return err
	case err, ok := <-handle.Dropped():
		if !ok {
			return errors.New("transport closed")
		}
		return err
	}
}

// release disconnects the handle with a fresh bounded context, since the
// worker context may already be cancelled.
func (s *Supervisor) release(handle provider.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.Disconnect(ctx); err != nil {
		s.log.Error("disconnecting handle", "error", err)
	}
}

// park moves the device to Disconnected. When the worker was forgotten the
// registry record is gone (or about to be); skip the transition then.
func (s *Supervisor) park(w *worker, reason string) {
	w.mu.Lock()
	forgotten := w.forgotten
	w.mu.Unlock()
	if forgotten {
		return
	}
	s.transition(w, model.StateDisconnected, reason)
}

// detach removes the worker entry so a later Connect can start fresh.
func (s *Supervisor) detach(w *worker) {
	s.mu.Lock()
	if s.workers[w.id] == w {
		delete(s.workers, w.id)
	}
	s.mu.Unlock()
}

// sleep waits for d or cancellation; reports false when cancelled.
func (s *Supervisor) sleep(w *worker, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// transition updates the worker and registry state and publishes the change.
func (s *Supervisor) transition(w *worker, next model.ConnectionState, reason string) {
	w.mu.Lock()
	old := w.state
	w.state = next
	w.mu.Unlock()
	if old == next {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.reg.Update(ctx, w.id, func(d *model.WearableDevice) {
		d.State = next
		if reason != "" || next == model.StateConnected {
			d.LastError = reason
		}
	})

	s.bus.Publish(model.ConnectionStateChanged{
		DeviceID: w.id,
		Old:      old,
		New:      next,
		Reason:   reason,
		At:       time.Now().UTC(),
	})
	s.log.Debug("state transition", "device", w.id, "old", old, "new", next, "reason", reason)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
