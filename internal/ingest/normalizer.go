// Package ingest converts provider-specific raw payloads into canonical
// [model.HealthDataSample]s, enforces the per-key uniqueness invariant, and
// maintains the retention window.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/wearsync/wearsync/internal/bus"
	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/provider"
)

const (
	otelScope      = "wearsync/ingest"
	metricIngested = "wearsync.ingest.samples"
	metricSkipped  = "wearsync.ingest.skipped"
	metricPurged   = "wearsync.ingest.purged"
)

// kindAliases maps provider metric identifiers to canonical kinds. Canonical
// names map to themselves via [model.ParseSampleKind]; this table covers the
// vendor spellings seen across the supported providers.
var kindAliases = map[string]model.SampleKind{
	"step_count":               model.KindSteps,
	"stepcount":                model.KindSteps,
	"hr":                       model.KindHeartRate,
	"heartrate":                model.KindHeartRate,
	"active_energy":            model.KindCalories,
	"active_energy_burned":     model.KindCalories,
	"energy":                   model.KindCalories,
	"distance_walking_running": model.KindDistance,
	"sleep_analysis":           model.KindSleep,
	"sleep_session":            model.KindSleep,
	"workout":                  model.KindWorkoutSession,
	"exercise_session":         model.KindWorkoutSession,
}

// SampleStore is the persistence surface the normaliser writes through.
// Implemented by [state.Store].
type SampleStore interface {
	UpsertSample(ctx context.Context, sample model.HealthDataSample) error
}

// Normalizer owns the sample store: all writes go through it so the dedup
// invariant holds no matter which device worker produced the payload.
type Normalizer struct {
	store SampleStore
	bus   *bus.Bus
	log   *slog.Logger

	cntIngested metric.Int64Counter
	cntSkipped  metric.Int64Counter
}

// NewNormalizer creates a Normalizer writing to store and publishing
// sample-ingested events on b.
func NewNormalizer(store SampleStore, b *bus.Bus, logger *slog.Logger) *Normalizer {
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Normalizer{
		store:       store,
		bus:         b,
		log:         logger,
		cntIngested: mustCounter(metricIngested, "Number of samples normalised and stored"),
		cntSkipped:  mustCounter(metricSkipped, "Number of raw samples dropped during normalisation"),
	}
}

// Ingest normalises one raw sample and upserts it. Returns stored=false for
// samples that were dropped: unrecognised kinds are skipped with a warning
// (nil error), malformed payloads return a [*provider.ValidationError]. A
// successful upsert publishes a [model.SampleIngested] event immediately, so
// subscribers see samples during a long pull rather than at job end.
func (n *Normalizer) Ingest(ctx context.Context, deviceID string, raw provider.RawSample) (model.HealthDataSample, bool, error) {
	kind, ok := canonicalKind(raw.Kind)
	if !ok {
		n.cntSkipped.Add(ctx, 1)
		n.log.Warn("dropping sample with unrecognised kind",
			"device", deviceID, "kind", raw.Kind, "source", raw.Source)
		return model.HealthDataSample{}, false, nil
	}

	if err := validate(raw); err != nil {
		n.cntSkipped.Add(ctx, 1)
		return model.HealthDataSample{}, false, err
	}

	value, err := convertValue(kind, raw.Value, raw.Unit)
	if err != nil {
		n.cntSkipped.Add(ctx, 1)
		return model.HealthDataSample{}, false, err
	}

	sample := model.HealthDataSample{
		DeviceID:  deviceID,
		Kind:      kind,
		Value:     value,
		Timestamp: raw.Timestamp.UTC().Truncate(time.Second),
		Source:    raw.Source,
	}

	if err := n.store.UpsertSample(ctx, sample); err != nil {
		return model.HealthDataSample{}, false, fmt.Errorf("storing sample: %w", err)
	}

	n.cntIngested.Add(ctx, 1)
	n.bus.Publish(model.SampleIngested{Sample: sample})
	return sample, true, nil
}

// canonicalKind resolves a provider kind string to a canonical kind.
func canonicalKind(raw string) (model.SampleKind, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if kind, ok := model.ParseSampleKind(s); ok {
		return kind, true
	}
	kind, ok := kindAliases[s]
	return kind, ok
}

// validate rejects payloads no unit conversion can save.
func validate(raw provider.RawSample) error {
	switch {
	case raw.Timestamp.IsZero():
		return &provider.ValidationError{Reason: "zero timestamp", Raw: raw}
	case math.IsNaN(raw.Value) || math.IsInf(raw.Value, 0):
		return &provider.ValidationError{Reason: "non-finite value", Raw: raw}
	case raw.Value < 0:
		return &provider.ValidationError{Reason: "negative value", Raw: raw}
	}
	return nil
}

// convertValue maps the provider's unit into the kind's canonical unit.
// An empty unit is taken as already canonical.
func convertValue(kind model.SampleKind, value float64, unit string) (float64, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	if u == "" || u == kind.Unit() {
		return value, nil
	}

	switch kind {
	case model.KindDistance:
		switch u {
		case "km":
			return value * 1000, nil
		case "mi":
			return value * 1609.344, nil
		case "cm":
			return value / 100, nil
		}
	case model.KindCalories:
		switch u {
		case "kj":
			return value / 4.184, nil
		case "cal":
			return value / 1000, nil
		}
	case model.KindSleep, model.KindWorkoutSession:
		switch u {
		case "h", "hours":
			return value * 60, nil
		case "s", "sec", "seconds":
			return value / 60, nil
		}
	case model.KindSteps:
		if u == "count" || u == "steps" {
			return value, nil
		}
	case model.KindHeartRate:
		if u == "bpm" {
			return value, nil
		}
	}

	return 0, &provider.ValidationError{
		Reason: fmt.Sprintf("unit %q not convertible to %s", unit, kind.Unit()),
		Raw:    provider.RawSample{Kind: string(kind), Value: value, Unit: unit},
	}
}
