package model

import (
	"slices"
	"time"
)

// ProviderKind identifies the transport family a device belongs to.
type ProviderKind string

const (
	// ProviderBLE is a Bluetooth Low Energy peripheral.
	ProviderBLE ProviderKind = "ble_peripheral"
	// ProviderHealthStore is the phone-OS health store.
	ProviderHealthStore ProviderKind = "os_health_store"
	// ProviderCloud is a third-party fitness cloud account.
	ProviderCloud ProviderKind = "cloud_account"
)

// ParseProviderKind returns the provider kind for s, or false if unknown.
func ParseProviderKind(s string) (ProviderKind, bool) {
	switch ProviderKind(s) {
	case ProviderBLE, ProviderHealthStore, ProviderCloud:
		return ProviderKind(s), true
	}
	return "", false
}

// ConnectionState is one state of the per-device connection state machine.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateSyncing      ConnectionState = "syncing"
	StateReconnecting ConnectionState = "reconnecting"
)

// CanTransition reports whether moving from s to next is a legal state
// machine transition. forget() is legal from any state and is not encoded
// here; it always lands in Disconnected.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	switch s {
	case StateDisconnected:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateReconnecting || next == StateDisconnected
	case StateConnected:
		return next == StateSyncing || next == StateReconnecting || next == StateDisconnected
	case StateSyncing:
		return next == StateConnected || next == StateReconnecting || next == StateDisconnected
	case StateReconnecting:
		return next == StateConnecting || next == StateDisconnected
	}
	return false
}

// WearableDevice is the identity and connection metadata of one physical or
// cloud-backed source. The device registry is the single owner of these
// records; other components receive copies.
type WearableDevice struct {
	// ID is the stable identifier: transport address for BLE, account ID
	// for cloud, a fixed well-known ID for the OS store.
	ID string

	// DisplayName is the human-readable label.
	DisplayName string

	// Provider is the transport family.
	Provider ProviderKind

	// Capabilities is the set of sample kinds this specific device
	// instance reports, discovered at connect time. Never assumed from
	// the provider kind alone.
	Capabilities []SampleKind

	// State is the current connection state machine state.
	State ConnectionState

	// BatteryLevel is the last known battery percentage. Nil when the
	// transport does not report battery.
	BatteryLevel *int

	// LastSyncAt is the sync cursor: the point the next pull resumes
	// from. Zero means never synced (pull from epoch). After a full
	// success it is the job completion time; after a partial it is the
	// timestamp of the last successfully stored sample.
	LastSyncAt time.Time

	// LastError is the most recent connection error reason, surfaced
	// when the device needs user attention. Empty while healthy.
	LastError string
}

// HasCapability reports whether the device reported the given kind.
func (d WearableDevice) HasCapability(kind SampleKind) bool {
	return slices.Contains(d.Capabilities, kind)
}

// Clone returns a deep copy, so callers can mutate without aliasing the
// registry's record.
func (d WearableDevice) Clone() WearableDevice {
	cp := d
	cp.Capabilities = slices.Clone(d.Capabilities)
	if d.BatteryLevel != nil {
		lvl := *d.BatteryLevel
		cp.BatteryLevel = &lvl
	}
	return cp
}
