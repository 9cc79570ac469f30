// Package clock drives the authoritative tick boundaries on the server and
// recovers the game start instant across restarts.
package clock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fastad/fast/internal/bus"
)

// RecoveryFile is the on-disk location of the persisted game start.
const RecoveryFile = ".fast/recover.json"

type recoveryRecord struct {
	Started float64 `json:"started"`
}

// GameClock derives the current tick from the game start instant and a
// constant tick duration. Missed boundaries are lost, never replayed: after
// a suspension the tick counter is recomputed from wall clock.
type GameClock struct {
	start    time.Time
	duration time.Duration
	bus      *bus.Bus
	logger   *zap.Logger

	now func() time.Time // test hook

	mu      sync.RWMutex
	current int
}

// Options configures a GameClock.
type Options struct {
	Start    time.Time // zero means: recovery file, else now
	Duration time.Duration
	Bus      *bus.Bus
	Logger   *zap.Logger
	Recovery string // defaults to RecoveryFile
	Now      func() time.Time
}

// New establishes the game start using the precedence explicit config >
// recovery file > now (persisted). The returned clock has its tick counter
// already aligned to the existing phase.
func New(opts Options) (*GameClock, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Recovery == "" {
		opts.Recovery = RecoveryFile
	}

	c := &GameClock{
		duration: opts.Duration,
		bus:      opts.Bus,
		logger:   opts.Logger,
		now:      opts.Now,
	}

	start := opts.Start
	if start.IsZero() {
		recovered, ok, err := readRecovery(opts.Recovery)
		if err != nil {
			return nil, err
		}
		if ok {
			start = recovered
		} else {
			start = c.now()
			if err := writeRecovery(opts.Recovery, start); err != nil {
				return nil, err
			}
		}
	}
	c.start = start

	now := c.now()
	if now.After(start) {
		c.current = c.tickAt(now)
		if c.current > 0 {
			c.logger.Info("continuing from a previous run",
				zap.Int("tick", c.current),
				zap.Time("game_start", start))
		}
	} else {
		c.current = 0
		c.logger.Info("game start is in the future, clock paused",
			zap.Time("game_start", start))
	}

	return c, nil
}

func readRecovery(path string) (time.Time, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	var rec recoveryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return time.Time{}, false, err
	}
	sec := int64(rec.Started)
	nsec := int64((rec.Started - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), true, nil
}

func writeRecovery(path string, start time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(recoveryRecord{
		Started: float64(start.UnixNano()) / 1e9,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Reset removes the recovery file so the next start begins at tick 0.
func Reset(path string) error {
	if path == "" {
		path = RecoveryFile
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Start returns the game start instant.
func (c *GameClock) Start() time.Time { return c.start }

// Duration returns the tick duration.
func (c *GameClock) Duration() time.Duration { return c.duration }

// Current returns the tick counter as of the last boundary.
func (c *GameClock) Current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// tickAt computes the tick index in force at the given instant.
func (c *GameClock) tickAt(t time.Time) int {
	if t.Before(c.start) {
		return 0
	}
	return int(t.Sub(c.start) / c.duration)
}

// TickAt computes the tick index for an arbitrary instant, clamped at 0.
// Fallback submissions use this to stamp client-authored timestamps.
func (c *GameClock) TickAt(t time.Time) int {
	return c.tickAt(t)
}

// TickStart returns the start instant of the current tick.
func (c *GameClock) TickStart() time.Time {
	return c.start.Add(time.Duration(c.Current()) * c.duration)
}

// nextBoundary returns the first tick boundary strictly after now.
func (c *GameClock) nextBoundary(now time.Time) time.Time {
	if now.Before(c.start) {
		return c.start
	}
	return c.start.Add(time.Duration(c.tickAt(now)+1) * c.duration)
}

// Run fires at each tick boundary until the context is cancelled, updating
// the counter and emitting tickStart.
func (c *GameClock) Run(ctx context.Context) {
	for {
		now := c.now()
		timer := time.NewTimer(c.nextBoundary(now).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.advance()
		}
	}
}

// advance recomputes the tick from wall clock and broadcasts the boundary.
func (c *GameClock) advance() {
	now := c.now()

	c.mu.Lock()
	c.current = c.tickAt(now)
	current := c.current
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(bus.EventTickStart, map[string]int{"current": current})
	}
	c.logger.Info("tick started",
		zap.Int("tick", current),
		zap.Time("next", c.nextBoundary(now)))
}

// SyncTick is the tick block of the /sync payload.
type SyncTick struct {
	Current   int     `json:"current"`
	Duration  float64 `json:"duration"`
	Elapsed   float64 `json:"elapsed"`
	Remaining float64 `json:"remaining"`
}

// Sync reports where the clock stands right now. Clients sleep Remaining
// seconds to land on the next boundary.
func (c *GameClock) Sync() SyncTick {
	now := c.now()

	// Before the game starts the next boundary is the start itself, not
	// start+duration; a client sleeping Remaining must land on tick 0.
	if now.Before(c.start) {
		return SyncTick{
			Current:   0,
			Duration:  c.duration.Seconds(),
			Elapsed:   0,
			Remaining: c.start.Sub(now).Seconds(),
		}
	}

	elapsed := now.Sub(c.TickStart()).Seconds()
	return SyncTick{
		Current:   c.Current(),
		Duration:  c.duration.Seconds(),
		Elapsed:   elapsed,
		Remaining: c.duration.Seconds() - elapsed,
	}
}
