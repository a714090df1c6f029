// Package provider defines the capability adapter contract every transport
// family (BLE peripheral, OS health store, fitness cloud) implements, plus
// the shared error taxonomy.
//
// Adapters receive already-authorized credentials or native handles; the
// consent flow (BLE pairing dialog, OAuth redirect, OS permission prompt) is
// performed by the host application before an adapter is constructed.
package provider

import (
	"context"
	"time"

	"github.com/wearsync/wearsync/internal/model"
)

// PullMode declares how an adapter delivers samples.
type PullMode int

const (
	// PullModeBatch means Pull returns once all samples with event time
	// ≥ since have been emitted.
	PullModeBatch PullMode = iota

	// PullModeStream means Pull is a live feed: it blocks emitting
	// samples as they arrive and only returns on cancellation or
	// transport failure.
	PullModeStream
)

// RawSample is one provider-specific measurement before normalisation.
type RawSample struct {
	// Kind is the provider's metric identifier. The normaliser maps it
	// to a canonical [model.SampleKind]; unrecognised kinds are dropped
	// with a warning.
	Kind string

	// Value is the magnitude in Unit.
	Value float64

	// Unit is the provider's unit string ("km", "bpm", "hours", ...).
	Unit string

	// Timestamp is the instant the measurement represents.
	Timestamp time.Time

	// Source identifies the producing adapter for provenance.
	Source string
}

// EmitFunc receives raw samples as they arrive from the transport. Returning
// a non-nil error aborts the pull.
type EmitFunc func(RawSample) error

// Adapter is the per-provider-family entry point. One instance serves every
// device of its kind.
type Adapter interface {
	// Kind returns the provider family this adapter serves.
	Kind() model.ProviderKind

	// Connect establishes a transport session for the device. Errors are
	// classified via [ConnectError] so the supervisor can decide between
	// retry (Unreachable) and surfacing to the user (Unauthorized,
	// Unsupported).
	Connect(ctx context.Context, device model.WearableDevice) (Handle, error)
}

// Handle is an established transport session for one device.
type Handle interface {
	// DiscoverCapabilities queries what this device instance reports.
	// Called once after connect; never assumed from the provider kind.
	DiscoverCapabilities(ctx context.Context) ([]model.SampleKind, error)

	// PullMode declares whether Pull is a bounded batch or a live feed.
	PullMode() PullMode

	// Pull emits all raw samples with event time ≥ since, in timestamp
	// order per device. Samples are streamed through emit rather than
	// buffered, so a long backlog never sits in memory.
	Pull(ctx context.Context, since time.Time, emit EmitFunc) error

	// BatteryLevel reports the current battery percentage, ok=false when
	// the transport has no battery service.
	BatteryLevel(ctx context.Context) (level int, ok bool)

	// Dropped delivers the transport-drop error when the session dies
	// underneath us. A nil channel means the transport never drops
	// (e.g. the local OS store).
	Dropped() <-chan error

	// Disconnect releases the session. Idempotent.
	Disconnect(ctx context.Context) error
}
