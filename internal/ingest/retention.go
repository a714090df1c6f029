package ingest

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DefaultSweepInterval is how often the retention sweep runs. Purges are
// cheap no-ops when nothing has aged out, so an hourly cadence is plenty
// for a 30-day window.
const DefaultSweepInterval = time.Hour

// Purger deletes samples strictly older than a cutoff. Implemented by
// [state.Store].
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper periodically deletes samples that have aged out of the retention
// window. Samples timestamped exactly at the cutoff survive.
type Sweeper struct {
	store     Purger
	retention time.Duration
	interval  time.Duration
	log       *slog.Logger
	now       func() time.Time

	cntPurged metric.Int64Counter
}

// NewSweeper creates a Sweeper with the given retention window.
func NewSweeper(store Purger, retention time.Duration, logger *slog.Logger) *Sweeper {
	meter := otel.Meter(otelScope)
	cnt, err := meter.Int64Counter(metricPurged,
		metric.WithDescription("Number of samples deleted by retention sweeps"))
	if err != nil {
		logger.Error("creating OTel counter", "name", metricPurged, "error", err)
		cnt = noop.Int64Counter{}
	}

	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  DefaultSweepInterval,
		log:       logger,
		now:       time.Now,
		cntPurged: cnt,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.retention)
	purged, err := s.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("retention sweep failed", "cutoff", cutoff, "error", err)
		return
	}
	if purged > 0 {
		s.cntPurged.Add(ctx, purged)
		s.log.Info("retention sweep purged samples", "count", purged, "cutoff", cutoff)
	}
}
