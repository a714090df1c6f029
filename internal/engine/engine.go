// Package engine is the composition root's façade: it wires the registry,
// supervisor, scheduler, normaliser, and retention sweep together and exposes
// the operations the API surface (and embedding applications) call.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wearsync/wearsync/internal/bus"
	"github.com/wearsync/wearsync/internal/ingest"
	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/provider"
	"github.com/wearsync/wearsync/internal/registry"
	"github.com/wearsync/wearsync/internal/scheduler"
	"github.com/wearsync/wearsync/internal/state"
	"github.com/wearsync/wearsync/internal/supervisor"
)

// syncNowTimeout bounds how long SyncNow waits for the coalesced job.
const syncNowTimeout = 5 * time.Minute

// Config aggregates the per-component policies.
type Config struct {
	Supervisor supervisor.Config
	Scheduler  scheduler.Config

	// Retention is the sample retention window.
	Retention time.Duration
}

// Engine owns the full sync pipeline. Create one with [New], start it with
// [Engine.Run].
type Engine struct {
	store *state.Store
	reg   *registry.Registry
	bus   *bus.Bus
	sup   *supervisor.Supervisor
	sched *scheduler.Scheduler
	sweep *ingest.Sweeper
	log   *slog.Logger

	startedAt time.Time
}

// New wires an engine from its dependencies. adapters carries one entry per
// provider family the host supports; devices of families without an adapter
// are rejected at Connect with an unsupported error.
func New(store *state.Store, adapters map[model.ProviderKind]provider.Adapter, cfg Config, logger *slog.Logger) *Engine {
	b := bus.New(logger)
	reg := registry.New(store, logger)
	sup := supervisor.New(adapters, reg, b, cfg.Supervisor, logger)
	norm := ingest.NewNormalizer(store, b, logger)
	sched := scheduler.New(sup, norm, reg, cfg.Scheduler, logger)
	sweep := ingest.NewSweeper(store, cfg.Retention, logger)

	return &Engine{
		store: store,
		reg:   reg,
		bus:   b,
		sup:   sup,
		sched: sched,
		sweep: sweep,
		log:   logger,
	}
}

// Run restores persisted devices, reconnects the ones the host asks for, and
// blocks running the scheduler and retention sweep until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.reg.Load(ctx); err != nil {
		return err
	}
	e.startedAt = time.Now().UTC()

	// Subscribe the scheduler before any worker starts so it cannot miss
	// the first Connected events.
	sub := e.bus.Subscribe(4 * bus.DefaultBuffer)

	// Known devices reconnect on startup; a device that was parked with an
	// unauthorized error stays parked (the adapter classifies it again and
	// the supervisor re-parks without retry).
	for _, dev := range e.reg.List() {
		if err := e.sup.Connect(ctx, dev); err != nil {
			e.log.Warn("startup reconnect rejected", "device", dev.ID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.sweep.Run(ctx)
		close(done)
	}()
	// Workers run on their own contexts so forget() stays independent of
	// engine shutdown; tear them down as soon as ctx ends, which also
	// unblocks any in-flight pull the scheduler is waiting on.
	go func() {
		<-ctx.Done()
		e.sup.Close()
	}()

	e.sched.Run(ctx, sub)

	<-done
	e.sup.Close()
	e.bus.Close()
	return ctx.Err()
}

// StartedAt returns when Run began, zero before that.
func (e *Engine) StartedAt() time.Time { return e.startedAt }

// --- device operations -------------------------------------------------------

// Connect registers the device if new and starts its connection worker.
func (e *Engine) Connect(ctx context.Context, dev model.WearableDevice) error {
	return e.sup.Connect(ctx, dev)
}

// Forget cancels the device's work, removes it and leaves its samples in
// place for the retention sweep to age out.
func (e *Engine) Forget(ctx context.Context, id string) error {
	return e.sup.Forget(ctx, id)
}

// ListDevices returns all known devices ordered by ID.
func (e *Engine) ListDevices() []model.WearableDevice {
	return e.reg.List()
}

// GetDevice returns one device record.
func (e *Engine) GetDevice(id string) (model.WearableDevice, bool) {
	return e.reg.Get(id)
}

// --- sync operations ---------------------------------------------------------

// SyncNow triggers an immediate sync and waits for the job it joined.
func (e *Engine) SyncNow(ctx context.Context, id string) (model.SyncJob, error) {
	ch, err := e.sched.SyncNow(id)
	if err != nil {
		return model.SyncJob{}, err
	}

	wait, cancel := context.WithTimeout(ctx, syncNowTimeout)
	defer cancel()
	select {
	case job := <-ch:
		return job, nil
	case <-wait.Done():
		return model.SyncJob{}, fmt.Errorf("waiting for sync of device %q: %w", id, wait.Err())
	}
}

// Jobs returns the device's recent sync job history, oldest first.
func (e *Engine) Jobs(id string) []model.SyncJob {
	return e.sched.Jobs(id)
}

// --- data operations ---------------------------------------------------------

// QuerySamples returns stored samples matching q, in timestamp order.
func (e *Engine) QuerySamples(ctx context.Context, q state.SampleQuery) ([]model.HealthDataSample, error) {
	return e.store.QuerySamples(ctx, q)
}

// CountSamples returns the stored sample count for one device.
func (e *Engine) CountSamples(ctx context.Context, id string) (int, error) {
	return e.store.CountSamples(ctx, id)
}

// Subscribe attaches a bus subscriber with the given buffer.
func (e *Engine) Subscribe(buffer int) *bus.Subscription {
	return e.bus.Subscribe(buffer)
}
