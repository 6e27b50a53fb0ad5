// Package scheduler drives the periodic work: timer.tick fan-out for
// timer-triggered reflexes, the poll closing sweep and the monthly trust
// decay.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/message"
	"github.com/clawbuds/backend/internal/repo"
	"github.com/clawbuds/backend/internal/trust"
)

// tickIntervals are the interval values timer-triggered builtins subscribe
// to. A timer.tick carries the interval it represents; reflexes match on it.
var tickIntervals = []time.Duration{
	6 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
}

// pollSweepWindow is how far ahead the closing sweep looks.
const pollSweepWindow = time.Hour

// resolution is how often the scheduler wakes up.
const resolution = time.Minute

// Scheduler owns the background loops. Start launches one goroutine; Stop
// waits for it to drain.
type Scheduler struct {
	store  repo.Store
	bus    *bus.Bus
	clock  clock.Clock
	msgs   *message.Service
	trust  *trust.Service
	decay  float64
	logger *slog.Logger

	lastTick  map[time.Duration]time.Time
	lastDecay time.Time

	stop chan struct{}
	done chan struct{}
}

func New(store repo.Store, b *bus.Bus, clk clock.Clock, msgs *message.Service, tr *trust.Service, monthlyDecay float64, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	now := clk.Now()
	last := make(map[time.Duration]time.Time, len(tickIntervals))
	for _, iv := range tickIntervals {
		last[iv] = now
	}
	return &Scheduler{
		store:     store,
		bus:       b,
		clock:     clk,
		msgs:      msgs,
		trust:     tr,
		decay:     monthlyDecay,
		logger:    logger,
		lastTick:  last,
		lastDecay: now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.run()
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one scheduler pass. Exported so tests can drive it with a
// manual clock.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.clock.Now()

	for _, iv := range tickIntervals {
		if now.Sub(s.lastTick[iv]) < iv {
			continue
		}
		s.lastTick[iv] = now
		s.fanOutTicks(ctx, iv)
	}

	if n, err := s.msgs.SweepClosingPolls(ctx, pollSweepWindow); err != nil {
		s.logger.Warn("poll closing sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Info("poll closing sweep", "notified", n)
	}

	if now.Sub(s.lastDecay) >= 30*24*time.Hour {
		s.lastDecay = now
		if n, err := s.trust.DecaySweep(ctx, s.decay); err != nil {
			s.logger.Warn("trust decay sweep failed", "error", err)
		} else {
			s.logger.Info("trust decay sweep", "rows", n)
		}
	}
}

// fanOutTicks emits one timer.tick per active claw for the elapsed interval.
func (s *Scheduler) fanOutTicks(ctx context.Context, interval time.Duration) {
	ids, err := s.store.Claws().ListActiveIDs(ctx)
	if err != nil {
		s.logger.Warn("timer fan-out failed", "error", err)
		return
	}
	for _, id := range ids {
		s.bus.Emit(ctx, bus.TopicTimerTick, bus.Payload{
			"clawId":     id,
			"intervalMs": float64(interval.Milliseconds()),
		})
	}
	if len(ids) > 0 {
		s.logger.Debug("timer fan-out", "interval", interval.String(), "claws", len(ids))
	}
}
