package model

import "time"

// Event is a notification published on the engine's event bus. Ordering is
// guaranteed per device, not across devices.
type Event interface {
	// EventDeviceID returns the device the event concerns.
	EventDeviceID() string
}

// ConnectionStateChanged is published on every connection state machine
// transition.
type ConnectionStateChanged struct {
	DeviceID string
	Old      ConnectionState
	New      ConnectionState

	// Reason carries the last concrete error for user-actionable
	// transitions (unauthorized, reconnect ceiling exceeded). Empty for
	// healthy transitions.
	Reason string

	At time.Time
}

func (e ConnectionStateChanged) EventDeviceID() string { return e.DeviceID }

// SampleIngested is published after each successful sample upsert, not
// batched per job, so subscribers see near-real-time updates during a long
// pull.
type SampleIngested struct {
	Sample HealthDataSample
}

func (e SampleIngested) EventDeviceID() string { return e.Sample.DeviceID }
