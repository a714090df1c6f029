// Package registry holds the authoritative in-memory set of known wearable
// devices. It is the single source of truth for "what is connected": all
// reads by other components go through it, never through adapter-local
// copies.
//
// Mutation goes through [Registry.Update], which applies the edit to one
// device's record under that device's own lock, so two workers never corrupt
// a record and unrelated devices never contend.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wearsync/wearsync/internal/model"
)

// Snapshotter persists device records across restarts.
// Implemented by [state.Store].
type Snapshotter interface {
	UpsertDevice(ctx context.Context, dev model.WearableDevice) error
	DeleteDevice(ctx context.Context, id string) error
	ListDevices(ctx context.Context) ([]model.WearableDevice, error)
}

// entry pairs a device record with its own lock.
type entry struct {
	mu  sync.Mutex
	dev model.WearableDevice
}

// Registry is the owned device map. Create one with [New], then call
// [Registry.Load] before any sync is scheduled.
type Registry struct {
	mu      sync.RWMutex // guards the map structure, not individual records
	entries map[string]*entry
	store   Snapshotter
	log     *slog.Logger
}

// New creates an empty registry backed by the given snapshot store.
func New(store Snapshotter, logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		store:   store,
		log:     logger,
	}
}

// Load restores persisted devices. Every restored device starts
// disconnected; connection state is runtime-only.
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading device snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dev := range devices {
		dev.State = model.StateDisconnected
		r.entries[dev.ID] = &entry{dev: dev}
	}
	r.log.Info("device registry loaded", "devices", len(devices))
	return nil
}

// Add registers a new device and persists its snapshot. Adding an existing
// ID is an error; reconnecting a known device goes through Update.
func (r *Registry) Add(ctx context.Context, dev model.WearableDevice) error {
	if dev.ID == "" {
		return fmt.Errorf("device ID must not be empty")
	}
	if _, ok := model.ParseProviderKind(string(dev.Provider)); !ok {
		return fmt.Errorf("unknown provider kind %q", dev.Provider)
	}
	dev.State = model.StateDisconnected

	r.mu.Lock()
	if _, exists := r.entries[dev.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("device %q already registered", dev.ID)
	}
	r.entries[dev.ID] = &entry{dev: dev.Clone()}
	r.mu.Unlock()

	if err := r.store.UpsertDevice(ctx, dev); err != nil {
		return fmt.Errorf("persisting device %q: %w", dev.ID, err)
	}
	return nil
}

// Get returns a copy of the device record.
func (r *Registry) Get(id string) (model.WearableDevice, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return model.WearableDevice{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.Clone(), true
}

// List returns copies of all device records, ordered by ID.
func (r *Registry) List() []model.WearableDevice {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	devices := make([]model.WearableDevice, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		devices = append(devices, e.dev.Clone())
		e.mu.Unlock()
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Update applies fn to the device's record under its lock and persists the
// result. fn receives a copy; the swap happens only after fn returns, so a
// panic inside fn leaves the record untouched. Returns the updated record.
func (r *Registry) Update(ctx context.Context, id string, fn func(*model.WearableDevice)) (model.WearableDevice, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return model.WearableDevice{}, fmt.Errorf("device %q not registered", id)
	}

	e.mu.Lock()
	dev := e.dev.Clone()
	fn(&dev)
	dev.ID = id // the key is immutable
	e.dev = dev
	snapshot := dev.Clone()
	e.mu.Unlock()

	if err := r.store.UpsertDevice(ctx, snapshot); err != nil {
		// The in-memory record stays authoritative; persistence catches
		// up on the next update.
		r.log.Error("persisting device snapshot", "device", id, "error", err)
	}
	return snapshot, nil
}

// Remove deletes the device record and its persisted snapshot. Only an
// explicit forget reaches here; a transient drop changes state, not
// existence.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %q not registered", id)
	}

	if err := r.store.DeleteDevice(ctx, id); err != nil {
		return fmt.Errorf("removing device %q from store: %w", id, err)
	}
	return nil
}
