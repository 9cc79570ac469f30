package submit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fastad/fast/internal/bus"
	"github.com/fastad/fast/internal/clock"
	"github.com/fastad/fast/internal/store"
	"github.com/fastad/fast/internal/telemetry"
)

// Scheduler decides when queued flags are flushed to the submitter and
// applies the verdicts. Runs are mutually exclusive: a timer firing while a
// run is in flight waits for it instead of overlapping.
type Scheduler struct {
	store   *store.Store
	bus     *bus.Bus
	clock   *clock.GameClock
	submit  Func
	metrics *telemetry.Metrics
	logger  *zap.Logger

	// Exactly one of delay/interval is set (validated by config).
	delay    time.Duration
	interval time.Duration

	mu sync.Mutex // serializes runs
}

// Options configures a Scheduler.
type Options struct {
	Store    *store.Store
	Bus      *bus.Bus
	Clock    *clock.GameClock
	Submit   Func
	Metrics  *telemetry.Metrics
	Logger   *zap.Logger
	Delay    *float64 // seconds; delay mode
	Interval *float64 // seconds; interval mode
}

// New builds a scheduler from validated configuration.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		store:   opts.Store,
		bus:     opts.Bus,
		clock:   opts.Clock,
		submit:  opts.Submit,
		metrics: opts.Metrics,
		logger:  logger,
	}
	if opts.Delay != nil {
		s.delay = time.Duration(*opts.Delay * float64(time.Second))
	}
	if opts.Interval != nil {
		s.interval = time.Duration(*opts.Interval * float64(time.Second))
	}
	return s
}

// nextFire returns the first submission instant strictly after now. Delay
// mode fires once per tick at tick_start+delay; interval mode fires every
// interval, phase-anchored to game_start.
func (s *Scheduler) nextFire(now time.Time) time.Time {
	start := s.clock.Start()
	period := s.interval
	offset := time.Duration(0)
	if s.interval == 0 {
		period = s.clock.Duration()
		offset = s.delay
	}

	if !now.After(start.Add(offset)) {
		return start.Add(offset)
	}
	elapsed := now.Sub(start.Add(offset))
	k := elapsed/period + 1
	return start.Add(offset + k*period)
}

// Timing is the submitter block of the /sync payload.
type Timing struct {
	Delay     *float64 `json:"delay,omitempty"`
	Interval  *float64 `json:"interval,omitempty"`
	Elapsed   float64  `json:"elapsed"`
	Remaining float64  `json:"remaining"`
}

// Sync reports where the submission schedule stands right now.
func (s *Scheduler) Sync() Timing {
	now := time.Now()
	next := s.nextFire(now)

	var t Timing
	period := s.interval
	if s.interval == 0 {
		period = s.clock.Duration()
		d := s.delay.Seconds()
		t.Delay = &d
	} else {
		iv := s.interval.Seconds()
		t.Interval = &iv
	}

	t.Remaining = next.Sub(now).Seconds()
	t.Elapsed = period.Seconds() - t.Remaining
	return t
}

// Run fires submissions on schedule until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := time.Now()
		timer := time.NewTimer(s.nextFire(now).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("submission failed", zap.Error(err))
			}
		}
	}
}

// RunOnce reads queued flags, invokes the submitter, commits the verdicts
// atomically and broadcasts the outcome. The trigger-submit endpoint calls
// this directly.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()

	values, err := s.store.QueuedValues(ctx)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		s.bus.Publish(bus.EventSubmitSkip, map[string]string{
			"message": "No flags in the queue! Submission skipped.",
		})
		s.logger.Info("no flags in the queue, submission skipped")
		s.metrics.RecordSubmit(ctx, "skipped", time.Since(started))
		return nil
	}

	s.bus.Publish(bus.EventSubmitStart, map[string]string{
		"message": fmt.Sprintf("Submitting %d flags...", len(values)),
	})
	s.logger.Info("submitting flags", zap.Int("count", len(values)))

	result, err := s.submit(ctx, values)
	if err != nil {
		// User code failed; leave every status untouched for this tick.
		s.metrics.RecordSubmit(ctx, "failed", time.Since(started))
		return err
	}

	accepted, rejected := len(result.Accepted), len(result.Rejected)
	if missing := len(values) - accepted - rejected; missing > 0 {
		s.logger.Error("submitter returned fewer responses than flags submitted",
			zap.Int("missing", missing))
	}
	if accepted == 0 {
		s.logger.Warn("no flags accepted, or the submitter is not returning accepted flags")
	}
	if rejected > 0 {
		s.logger.Warn("flags rejected", zap.Int("count", rejected))
	}

	if err := s.store.MarkResults(ctx, result.Accepted, result.Rejected); err != nil {
		return err
	}

	currentTick := s.clock.Current()
	stats, err := s.store.CountByStatus(ctx, currentTick)
	if err != nil {
		return err
	}

	s.bus.Publish(bus.EventSubmitComplete, map[string]any{
		"message": fmt.Sprintf("%d flags accepted, %d rejected.", accepted, rejected),
		"data": store.Stats{
			Queued:   stats.Queued,
			Accepted: stats.Accepted,
			Rejected: stats.Rejected,
			Delta:    store.StatsDelta{Accepted: accepted, Rejected: rejected},
		},
	})

	if analytics, err := s.store.Analytics(ctx, currentTick); err == nil {
		s.bus.Publish(bus.EventAnalyticsUpdate, analytics)
	} else {
		s.logger.Warn("analytics generation failed", zap.Error(err))
	}

	s.logger.Info("submission stats",
		zap.Int("queued", stats.Queued),
		zap.Int("accepted", stats.Accepted),
		zap.Int("rejected", stats.Rejected))

	s.metrics.RecordSubmit(ctx, "completed", time.Since(started))
	return nil
}
