// Package ble implements the capability adapter for Bluetooth Low Energy
// peripherals: fitness bands and watches that buffer sample history on the
// device and replay it over GATT characteristics.
//
// The package does not talk to a radio itself. The host application injects a
// [Transport] bound to its platform BLE stack; this adapter owns the GATT
// semantics on top of it (service discovery, payload decoding, history
// replay ordering).
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/provider"
)

const sourceName = "ble"

// ErrNotPaired is returned by a Transport when the peripheral rejects the
// bond, meaning the user must re-pair. The adapter surfaces it as an
// Unauthorized connect failure.
var ErrNotPaired = errors.New("peripheral not paired")

// Record is one buffered history entry read from a characteristic.
type Record struct {
	Timestamp time.Time
	Payload   []byte
}

// Peripheral is an open GATT connection to one device.
type Peripheral interface {
	// Services lists the service UUIDs the peripheral advertises.
	Services(ctx context.Context) ([]string, error)

	// Read reads the current value of a characteristic.
	Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error)

	// Records replays the buffered history of a characteristic from since
	// onward, oldest first.
	Records(ctx context.Context, serviceUUID, charUUID string, since time.Time) ([]Record, error)

	// Closed delivers the error that killed the link (radio off, device
	// out of range).
	Closed() <-chan error

	// Close tears the link down. Idempotent.
	Close(ctx context.Context) error
}

// Transport opens peripherals by address. Implemented by the host
// application's platform BLE binding.
type Transport interface {
	Open(ctx context.Context, address string) (Peripheral, error)
}

// Adapter serves every BLE device through one injected transport.
type Adapter struct {
	transport Transport
	log       *slog.Logger
}

// New creates a BLE adapter on the given transport.
func New(transport Transport, logger *slog.Logger) *Adapter {
	return &Adapter{transport: transport, log: logger}
}

// Kind returns [model.ProviderBLE].
func (a *Adapter) Kind() model.ProviderKind { return model.ProviderBLE }

// Connect opens the peripheral (the device ID is its transport address) and
// verifies it exposes at least one known data service.
func (a *Adapter) Connect(ctx context.Context, device model.WearableDevice) (provider.Handle, error) {
	p, err := a.transport.Open(ctx, device.ID)
	if err != nil {
		if errors.Is(err, ErrNotPaired) {
			return nil, provider.NewConnectError(provider.Unauthorized, err)
		}
		return nil, provider.NewConnectError(provider.Unreachable,
			fmt.Errorf("opening peripheral %q: %w", device.ID, err))
	}

	services, err := p.Services(ctx)
	if err != nil {
		a.closeQuietly(p)
		return nil, provider.NewConnectError(provider.Unreachable,
			fmt.Errorf("discovering services on %q: %w", device.ID, err))
	}

	s := &session{
		deviceID:   device.ID,
		peripheral: p,
		services:   make(map[string]bool, len(services)),
		log:        a.log,
	}
	for _, svc := range services {
		s.services[svc] = true
	}
	if !s.services[ServiceHeartRate] && !s.services[ServiceActivity] {
		a.closeQuietly(p)
		return nil, provider.NewConnectError(provider.Unsupported,
			fmt.Errorf("peripheral %q exposes no known data service", device.ID))
	}

	a.log.Info("peripheral connected", "device", device.ID, "services", len(services))
	return s, nil
}

func (a *Adapter) closeQuietly(p Peripheral) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		a.log.Debug("closing peripheral after failed connect", "error", err)
	}
}

// session is one open peripheral link.
type session struct {
	deviceID   string
	peripheral Peripheral
	services   map[string]bool
	log        *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// DiscoverCapabilities maps the advertised services to sample kinds.
func (s *session) DiscoverCapabilities(context.Context) ([]model.SampleKind, error) {
	var caps []model.SampleKind
	if s.services[ServiceHeartRate] {
		caps = append(caps, model.KindHeartRate)
	}
	if s.services[ServiceActivity] {
		caps = append(caps, model.KindSteps, model.KindDistance, model.KindCalories)
	}
	return caps, nil
}

// PullMode is batch: peripherals buffer history on-device and replay it.
func (s *session) PullMode() provider.PullMode { return provider.PullModeBatch }

// Pull replays buffered history one service at a time, emitting samples as
// records decode rather than buffering the replay. Each service's history
// arrives oldest first, so a link failure mid-replay leaves everything
// emitted so far stored and the cursor resumable.
func (s *session) Pull(ctx context.Context, since time.Time, emit provider.EmitFunc) error {
	if s.services[ServiceHeartRate] {
		records, err := s.peripheral.Records(ctx, ServiceHeartRate, CharHRMeasurement, since)
		if err != nil {
			return fmt.Errorf("reading heart rate history: %w", err)
		}
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			bpm, err := parseHeartRate(rec.Payload)
			if err != nil {
				s.log.Warn("skipping undecodable heart rate record",
					"device", s.deviceID, "at", rec.Timestamp, "error", err)
				continue
			}
			if err := emit(provider.RawSample{
				Kind: string(model.KindHeartRate), Value: bpm, Unit: "bpm",
				Timestamp: rec.Timestamp, Source: sourceName,
			}); err != nil {
				return err
			}
		}
	}

	if s.services[ServiceActivity] {
		records, err := s.peripheral.Records(ctx, ServiceActivity, CharActivityData, since)
		if err != nil {
			return fmt.Errorf("reading activity history: %w", err)
		}
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			act, err := parseActivity(rec.Payload)
			if err != nil {
				s.log.Warn("skipping undecodable activity record",
					"device", s.deviceID, "at", rec.Timestamp, "error", err)
				continue
			}
			derived := []provider.RawSample{
				{Kind: string(model.KindSteps), Value: act.steps, Unit: "count", Timestamp: rec.Timestamp, Source: sourceName},
				{Kind: string(model.KindDistance), Value: act.meters, Unit: "m", Timestamp: rec.Timestamp, Source: sourceName},
				{Kind: string(model.KindCalories), Value: act.calories, Unit: "kcal", Timestamp: rec.Timestamp, Source: sourceName},
			}
			for _, raw := range derived {
				if err := emit(raw); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// BatteryLevel reads the standard battery service when present.
func (s *session) BatteryLevel(ctx context.Context) (int, bool) {
	if !s.services[ServiceBattery] {
		return 0, false
	}
	payload, err := s.peripheral.Read(ctx, ServiceBattery, CharBatteryLevel)
	if err != nil {
		s.log.Debug("reading battery level", "device", s.deviceID, "error", err)
		return 0, false
	}
	level, err := parseBatteryLevel(payload)
	if err != nil {
		s.log.Warn("undecodable battery payload", "device", s.deviceID, "error", err)
		return 0, false
	}
	return level, true
}

// Dropped surfaces the link's closed channel.
func (s *session) Dropped() <-chan error { return s.peripheral.Closed() }

// Disconnect closes the link once; later calls return the first result.
func (s *session) Disconnect(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.peripheral.Close(ctx)
	})
	return s.closeErr
}
