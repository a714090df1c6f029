// Package scheduler runs sync jobs against connected devices. One loop per
// device serialises its jobs, so a device never has more than one pull in
// flight; explicit sync requests are coalesced into the running job instead
// of queueing behind it.
//
// Loops follow the connection lifecycle through bus events: a device entering
// Connected gets a loop, a device reaching Disconnected (parked or forgotten)
// loses it. While a device is reconnecting, ticks are skipped silently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/wearsync/wearsync/internal/bus"
	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/provider"
	"github.com/wearsync/wearsync/internal/registry"
)

const (
	otelScope      = "wearsync/scheduler"
	metricJobs     = "wearsync.scheduler.jobs"
	metricSamples  = "wearsync.scheduler.samples"
	metricDeferred = "wearsync.scheduler.deferred"

	// jobRingSize caps the per-device in-memory job history.
	jobRingSize = 32

	defaultInterval = 15 * time.Minute
)

// ErrNotScheduled is returned by SyncNow for devices without an active sync
// loop (not connected, or never connected).
var ErrNotScheduled = errors.New("device has no active sync loop")

// Gate admits sync jobs against the connection state machine. Implemented by
// [supervisor.Supervisor].
type Gate interface {
	BeginSync(id string) (provider.Handle, context.Context, error)
	EndSync(id string)
	ReportDrop(id string, err error)
}

// Ingestor normalises and stores one raw sample. Implemented by
// [ingest.Normalizer].
type Ingestor interface {
	Ingest(ctx context.Context, deviceID string, raw provider.RawSample) (model.HealthDataSample, bool, error)
}

// Config holds the per-provider sync cadence.
type Config struct {
	// Intervals maps provider kinds to their periodic sync interval.
	// Kinds without an entry use DefaultInterval.
	Intervals map[model.ProviderKind]time.Duration

	// DefaultInterval is the fallback cadence (15m when zero).
	DefaultInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultInterval == 0 {
		c.DefaultInterval = defaultInterval
	}
}

// loop is the per-device sync driver.
type loop struct {
	id     string
	kind   model.ProviderKind
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}

	mu         sync.Mutex
	waiters    []chan model.SyncJob
	deferUntil time.Time
	current    *model.SyncJob
}

// takeWaiters returns and clears the pending waiters.
func (l *loop) takeWaiters() []chan model.SyncJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.waiters
	l.waiters = nil
	return w
}

// hasWaiters reports whether any request is still waiting for a job.
func (l *loop) hasWaiters() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters) > 0
}

// Scheduler owns all device sync loops. Create one with [New], then call
// [Scheduler.Run].
type Scheduler struct {
	gate Gate
	ing  Ingestor
	reg  *registry.Registry
	cfg  Config
	log  *slog.Logger

	mu    sync.Mutex
	ctx   context.Context
	loops map[string]*loop
	jobs  map[string][]model.SyncJob
	wg    sync.WaitGroup

	cntJobs     metric.Int64Counter
	cntSamples  metric.Int64Counter
	cntDeferred metric.Int64Counter
}

// New creates a Scheduler dispatching through gate and ingesting through ing.
func New(gate Gate, ing Ingestor, reg *registry.Registry, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Scheduler{
		gate:  gate,
		ing:   ing,
		reg:   reg,
		cfg:   cfg,
		log:   logger,
		loops: make(map[string]*loop),
		jobs:  make(map[string][]model.SyncJob),

		cntJobs:     mustCounter(metricJobs, "Number of finished sync jobs"),
		cntSamples:  mustCounter(metricSamples, "Number of samples stored by sync jobs"),
		cntDeferred: mustCounter(metricDeferred, "Number of sync ticks deferred by provider rate limits"),
	}
}

// Run consumes connection events from sub and manages the loop set until ctx
// is cancelled. The caller creates the subscription, so events published
// before Run starts draining are buffered, not lost. Blocks until ctx is
// done; cancels sub on return.
func (s *Scheduler) Run(ctx context.Context, sub *bus.Subscription) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case ev, ok := <-sub.C:
			if !ok {
				s.stopAll()
				return
			}
			sc, ok := ev.(model.ConnectionStateChanged)
			if !ok {
				continue
			}
			switch sc.New {
			case model.StateConnected:
				s.ensureLoop(sc.DeviceID)
			case model.StateDisconnected:
				s.stopLoop(sc.DeviceID)
				if sc.Reason == "forgotten" {
					s.mu.Lock()
					delete(s.jobs, sc.DeviceID)
					s.mu.Unlock()
				}
			}
		}
	}
}

// SyncNow requests an immediate sync. The returned channel receives the
// finished job. A request arriving while a job is in flight joins that job
// instead of starting another.
func (s *Scheduler) SyncNow(id string) (<-chan model.SyncJob, error) {
	s.mu.Lock()
	l := s.loops[id]
	s.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("device %q: %w", id, ErrNotScheduled)
	}

	ch := make(chan model.SyncJob, 1)
	l.mu.Lock()
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case l.kick <- struct{}{}:
	default: // a kick is already pending
	}
	return ch, nil
}

// Jobs returns the device's recent job history, oldest first, including the
// currently running job if any.
func (s *Scheduler) Jobs(id string) []model.SyncJob {
	s.mu.Lock()
	jobs := append([]model.SyncJob(nil), s.jobs[id]...)
	l := s.loops[id]
	s.mu.Unlock()

	if l != nil {
		l.mu.Lock()
		if l.current != nil {
			jobs = append(jobs, *l.current)
		}
		l.mu.Unlock()
	}
	return jobs
}

// --- loop lifecycle ----------------------------------------------------------

func (s *Scheduler) ensureLoop(id string) {
	dev, ok := s.reg.Get(id)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	if _, running := s.loops[id]; running {
		return
	}

	lctx, cancel := context.WithCancel(s.ctx)
	l := &loop{
		id:     id,
		kind:   dev.Provider,
		ctx:    lctx,
		cancel: cancel,
		done:   make(chan struct{}),
		kick:   make(chan struct{}, 1),
	}
	s.loops[id] = l

	s.wg.Add(1)
	go s.runLoop(l)
}

func (s *Scheduler) stopLoop(id string) {
	s.mu.Lock()
	l := s.loops[id]
	delete(s.loops, id)
	s.mu.Unlock()
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[string]*loop)
	s.mu.Unlock()
	for _, l := range loops {
		l.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) interval(kind model.ProviderKind) time.Duration {
	if d, ok := s.cfg.Intervals[kind]; ok && d > 0 {
		return d
	}
	return s.cfg.DefaultInterval
}

// runLoop drives one device: an immediate first sync, then ticks and kicks.
func (s *Scheduler) runLoop(l *loop) {
	defer s.wg.Done()
	defer close(l.done)

	ticker := time.NewTicker(s.interval(l.kind))
	defer ticker.Stop()

	// Sync right away on connect so a reconnected device catches up without
	// waiting a full interval.
	s.runJob(l, true)

	for {
		select {
		case <-l.ctx.Done():
			s.failWaiters(l, l.ctx.Err())
			return
		case <-ticker.C:
			s.runJob(l, false)
		case <-l.kick:
			// A kick whose requests already joined an in-flight job
			// has no waiters left; coalescing means it runs nothing.
			if !l.hasWaiters() {
				continue
			}
			s.runJob(l, true)
		}
	}
}

// failWaiters resolves pending waiters with a failed placeholder job.
func (s *Scheduler) failWaiters(l *loop, err error) {
	waiters := l.takeWaiters()
	if len(waiters) == 0 {
		return
	}
	job := model.SyncJob{
		ID:         uuid.New(),
		DeviceID:   l.id,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
		Outcome:    model.OutcomeFailed,
		Errors:     []string{err.Error()},
	}
	for _, ch := range waiters {
		ch <- job
	}
}

// --- job execution -----------------------------------------------------------

// runJob executes one sync job end to end. kicked distinguishes explicit
// requests (which override a rate-limit defer and must always resolve their
// waiters) from periodic ticks.
func (s *Scheduler) runJob(l *loop, kicked bool) {
	l.mu.Lock()
	deferred := !kicked && time.Now().Before(l.deferUntil)
	l.mu.Unlock()
	if deferred {
		s.cntDeferred.Add(l.ctx, 1)
		s.log.Debug("sync tick deferred by rate limit", "device", l.id)
		return
	}

	handle, jctx, err := s.gate.BeginSync(l.id)
	if err != nil {
		// Stale tick or kick raced a disconnect. Ticks skip silently;
		// explicit requests get a failed job back.
		s.failWaiters(l, err)
		return
	}

	dev, ok := s.reg.Get(l.id)
	if !ok {
		s.gate.EndSync(l.id)
		s.failWaiters(l, fmt.Errorf("device %q not registered", l.id))
		return
	}
	since := dev.LastSyncAt

	job := model.SyncJob{
		ID:        uuid.New(),
		DeviceID:  l.id,
		StartedAt: time.Now().UTC(),
	}
	l.mu.Lock()
	l.current = &job
	l.mu.Unlock()
	s.log.Info("sync started", "device", l.id, "job", job.ID, "since", since, "mode", handle.PullMode())

	var (
		stored     int
		lastStored time.Time
		jobErrs    []string
	)
	pullErr := handle.Pull(jctx, since, func(raw provider.RawSample) error {
		sample, ok, ierr := s.ing.Ingest(jctx, l.id, raw)
		if ierr != nil {
			var verr *provider.ValidationError
			if errors.As(ierr, &verr) {
				// Malformed sample: skip and keep pulling.
				jobErrs = append(jobErrs, verr.Error())
				s.log.Warn("skipping malformed sample", "device", l.id, "error", verr)
				return nil
			}
			// Storage failure: abort the pull, the cursor stays at the
			// last stored sample.
			return ierr
		}
		if ok {
			stored++
			if sample.Timestamp.After(lastStored) {
				lastStored = sample.Timestamp
			}
		}
		return nil
	})

	job.FinishedAt = time.Now().UTC()
	job.SampleCount = stored
	job.Errors = jobErrs

	switch {
	case pullErr == nil:
		job.Outcome = model.OutcomeSuccess
	case stored > 0:
		job.Outcome = model.OutcomePartial
		job.Errors = append(job.Errors, pullErr.Error())
	default:
		job.Outcome = model.OutcomeFailed
		job.Errors = append(job.Errors, pullErr.Error())
	}

	s.advanceCursor(l, job, since, lastStored)
	s.settle(l, job, pullErr)

	l.mu.Lock()
	l.current = nil
	l.mu.Unlock()
	s.record(l, job)

	s.cntJobs.Add(l.ctx, 1)
	s.cntSamples.Add(l.ctx, int64(stored))
	s.log.Info("sync finished",
		"device", l.id, "job", job.ID, "outcome", job.Outcome,
		"samples", stored, "errors", len(job.Errors),
		"duration", job.FinishedAt.Sub(job.StartedAt))
}

// advanceCursor moves LastSyncAt per the job outcome: to completion time on
// success, to the newest stored sample on a partial, not at all on failure.
func (s *Scheduler) advanceCursor(l *loop, job model.SyncJob, since, lastStored time.Time) {
	var cursor time.Time
	switch job.Outcome {
	case model.OutcomeSuccess:
		cursor = job.FinishedAt
	case model.OutcomePartial:
		cursor = lastStored
	default:
		return
	}
	if !cursor.After(since) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.reg.Update(ctx, l.id, func(d *model.WearableDevice) {
		d.LastSyncAt = cursor
	}); err != nil {
		s.log.Error("advancing sync cursor", "device", l.id, "error", err)
	}
}

// settle returns the device to the supervisor: back to Connected, and onto
// the reconnect path when the transport died mid-pull. Rate limits are a
// healthy connection saying "later", so they defer instead of dropping.
func (s *Scheduler) settle(l *loop, job model.SyncJob, pullErr error) {
	s.gate.EndSync(l.id)

	if pullErr == nil || errors.Is(pullErr, context.Canceled) {
		return
	}

	var rle *provider.RateLimitedError
	if errors.As(pullErr, &rle) {
		l.mu.Lock()
		l.deferUntil = time.Now().Add(rle.RetryAfter)
		l.mu.Unlock()
		s.log.Warn("provider rate limited", "device", l.id, "retry_after", rle.RetryAfter)
		return
	}

	s.gate.ReportDrop(l.id, pullErr)
}

// record appends the job to the device's ring and resolves waiters.
func (s *Scheduler) record(l *loop, job model.SyncJob) {
	s.mu.Lock()
	ring := append(s.jobs[l.id], job)
	if len(ring) > jobRingSize {
		ring = ring[len(ring)-jobRingSize:]
	}
	s.jobs[l.id] = ring
	s.mu.Unlock()

	for _, ch := range l.takeWaiters() {
		ch <- job
	}
}
