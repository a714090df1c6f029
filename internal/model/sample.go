// Package model defines the canonical types shared between the provider
// adapters, the sync engine, and the persistence layer.
package model

import (
	"time"
)

// SampleKind identifies one normalised health metric. The unit is implied by
// the kind; see [SampleKind.Unit].
type SampleKind string

const (
	// KindSteps is a step count.
	KindSteps SampleKind = "steps"
	// KindHeartRate is a heart rate in beats per minute.
	KindHeartRate SampleKind = "heart_rate"
	// KindCalories is energy expenditure in kilocalories.
	KindCalories SampleKind = "calories"
	// KindDistance is a travelled distance in meters.
	KindDistance SampleKind = "distance"
	// KindSleep is a slept duration in minutes.
	KindSleep SampleKind = "sleep"
	// KindWorkoutSession is a workout duration in minutes.
	KindWorkoutSession SampleKind = "workout_session"
)

// Kinds lists every canonical sample kind.
func Kinds() []SampleKind {
	return []SampleKind{
		KindSteps, KindHeartRate, KindCalories,
		KindDistance, KindSleep, KindWorkoutSession,
	}
}

// ParseSampleKind returns the canonical kind for s, or false if s is not a
// known kind name.
func ParseSampleKind(s string) (SampleKind, bool) {
	switch SampleKind(s) {
	case KindSteps, KindHeartRate, KindCalories, KindDistance, KindSleep, KindWorkoutSession:
		return SampleKind(s), true
	}
	return "", false
}

// Unit returns the canonical unit for the kind.
func (k SampleKind) Unit() string {
	switch k {
	case KindSteps:
		return "count"
	case KindHeartRate:
		return "bpm"
	case KindCalories:
		return "kcal"
	case KindDistance:
		return "m"
	case KindSleep, KindWorkoutSession:
		return "min"
	default:
		return ""
	}
}

// HealthDataSample is one normalised measurement. Samples are immutable once
// stored; re-ingesting the same (device, kind, timestamp) replaces the value.
type HealthDataSample struct {
	// DeviceID is the owning device.
	DeviceID string

	// Kind is the canonical metric kind; the unit is implied by it.
	Kind SampleKind

	// Value is the magnitude in the kind's canonical unit.
	Value float64

	// Timestamp is the instant the sample represents, not ingestion time.
	// Always UTC, truncated to whole seconds so the dedup key is stable
	// across providers with differing precision.
	Timestamp time.Time

	// Source is the provenance string of the adapter that produced the
	// sample, kept for debugging and audit.
	Source string
}

// SampleKey is the uniqueness key for a stored sample: at most one sample is
// retained per key, last write wins.
type SampleKey struct {
	DeviceID  string
	Kind      SampleKind
	Timestamp int64 // unix seconds
}

// Key returns the dedup key for the sample.
func (s HealthDataSample) Key() SampleKey {
	return SampleKey{
		DeviceID:  s.DeviceID,
		Kind:      s.Kind,
		Timestamp: s.Timestamp.Unix(),
	}
}
