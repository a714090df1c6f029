// Package healthstore implements the capability adapter for the phone OS
// health store (HealthKit / Health Connect style). The store is a local
// database behind a permission gate: there is no radio link to lose, so the
// only interesting failure is revoked consent.
//
// The host application injects a [RecordsClient] bound to its platform
// health API; this adapter owns the record-to-sample mapping.
package healthstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/provider"
)

const sourceName = "healthstore"

// Record is one health store entry.
type Record struct {
	// Type is the store's record type identifier (e.g. "step_count").
	Type string

	// Value is the magnitude in Unit.
	Value float64

	// Unit is the store's unit string.
	Unit string

	// Timestamp is the record's event time.
	Timestamp time.Time
}

// RecordsClient is the platform health API surface the adapter needs.
type RecordsClient interface {
	// Authorized reports whether read consent is currently granted.
	Authorized(ctx context.Context) (bool, error)

	// RecordTypes lists the record types consent covers.
	RecordTypes(ctx context.Context) ([]string, error)

	// Records returns all records of the given types with event time
	// >= since, oldest first.
	Records(ctx context.Context, types []string, since time.Time) ([]Record, error)
}

// typeKinds maps health store record types to canonical sample kinds.
var typeKinds = map[string]model.SampleKind{
	"step_count":           model.KindSteps,
	"heart_rate":           model.KindHeartRate,
	"active_energy_burned": model.KindCalories,
	"distance":             model.KindDistance,
	"sleep_session":        model.KindSleep,
	"exercise_session":     model.KindWorkoutSession,
}

// Adapter serves the single OS health store device.
type Adapter struct {
	client RecordsClient
	log    *slog.Logger
}

// New creates a health store adapter on the given platform client.
func New(client RecordsClient, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, log: logger}
}

// Kind returns [model.ProviderHealthStore].
func (a *Adapter) Kind() model.ProviderKind { return model.ProviderHealthStore }

// Connect checks consent and snapshots the granted record types.
func (a *Adapter) Connect(ctx context.Context, device model.WearableDevice) (provider.Handle, error) {
	ok, err := a.client.Authorized(ctx)
	if err != nil {
		return nil, provider.NewConnectError(provider.Unreachable,
			fmt.Errorf("querying health store authorization: %w", err))
	}
	if !ok {
		return nil, provider.NewConnectError(provider.Unauthorized,
			fmt.Errorf("health store read consent not granted"))
	}

	types, err := a.client.RecordTypes(ctx)
	if err != nil {
		return nil, provider.NewConnectError(provider.Unreachable,
			fmt.Errorf("listing granted record types: %w", err))
	}

	s := &session{client: a.client, log: a.log}
	for _, t := range types {
		kind, known := typeKinds[t]
		if !known {
			a.log.Debug("ignoring ungranted or unknown record type", "type", t)
			continue
		}
		s.types = append(s.types, t)
		s.caps = append(s.caps, kind)
	}
	if len(s.types) == 0 {
		return nil, provider.NewConnectError(provider.Unsupported,
			fmt.Errorf("consent covers no supported record types"))
	}

	a.log.Info("health store session opened", "device", device.ID, "types", len(s.types))
	return s, nil
}

// session is one consent-scoped view of the store.
type session struct {
	client RecordsClient
	types  []string
	caps   []model.SampleKind
	log    *slog.Logger
}

func (s *session) DiscoverCapabilities(context.Context) ([]model.SampleKind, error) {
	return s.caps, nil
}

// PullMode is batch: the store is queried, not subscribed to.
func (s *session) PullMode() provider.PullMode { return provider.PullModeBatch }

// Pull queries all granted record types from since onward. The store returns
// records oldest first, so emission order follows event time.
func (s *session) Pull(ctx context.Context, since time.Time, emit provider.EmitFunc) error {
	records, err := s.client.Records(ctx, s.types, since)
	if err != nil {
		return fmt.Errorf("querying health store records: %w", err)
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(provider.RawSample{
			Kind:      rec.Type,
			Value:     rec.Value,
			Unit:      rec.Unit,
			Timestamp: rec.Timestamp,
			Source:    sourceName,
		}); err != nil {
			return err
		}
	}
	return nil
}

// BatteryLevel: the phone's own store has no battery to report.
func (s *session) BatteryLevel(context.Context) (int, bool) { return 0, false }

// Dropped returns nil: a local store never drops, consent revocation shows
// up as an error on the next pull.
func (s *session) Dropped() <-chan error { return nil }

func (s *session) Disconnect(context.Context) error { return nil }
