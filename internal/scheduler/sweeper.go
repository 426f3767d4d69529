// Package scheduler runs the periodic TAT sweep: classify every open
// gap with a deadline as on-track, approaching, or breached, and emit a
// warning event once per (gap, deadline, window). Single-writer: one
// process runs the sweeper.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// Window classifies a deadline's proximity.
type Window string

const (
	WindowOnTrack     Window = "on-track"
	WindowApproaching Window = "approaching"
	WindowBreached    Window = "breached"
)

// Store lists sweepable gaps; *store.DB satisfies it.
type Store interface {
	ListGapsWithDeadline(ctx context.Context) ([]core.Gap, error)
}

// Emitter publishes warning events.
type Emitter interface {
	Emit(eventType string, gapID, actorID int64, data map[string]interface{})
}

// Sweeper polls on a fixed tick. Emission is idempotent per
// (gap, deadline, window); an approved extension changes the deadline
// and re-arms both windows.
type Sweeper struct {
	store      Store
	bus        Emitter
	tick       time.Duration
	warnWindow time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	notified map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSweeper builds the sweeper.
func NewSweeper(st Store, bus Emitter, tick, warnWindow time.Duration) *Sweeper {
	return &Sweeper{
		store:      st,
		bus:        bus,
		tick:       tick,
		warnWindow: warnWindow,
		logger:     slog.Default().With("component", "scheduler"),
		notified:   make(map[string]bool),
		done:       make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.Sweep(context.Background(), time.Now().UTC())
			}
		}
	}()
	s.logger.Info("tat sweeper started", "tick", s.tick, "warn_window", s.warnWindow)
}

// Stop halts the loop.
func (s *Sweeper) Stop() {
	close(s.done)
	s.wg.Wait()
}

// Classify returns the window for a deadline at the given instant.
func (s *Sweeper) Classify(deadline, now time.Time) Window {
	switch {
	case now.After(deadline):
		return WindowBreached
	case deadline.Sub(now) <= s.warnWindow:
		return WindowApproaching
	default:
		return WindowOnTrack
	}
}

// Sweep runs one pass. Exported so tests drive it with a fixed clock.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	gaps, err := s.store.ListGapsWithDeadline(ctx)
	if err != nil {
		s.logger.Error("sweep query failed", "error", err)
		return
	}
	for i := range gaps {
		g := &gaps[i]
		if g.TatDeadline == nil {
			continue
		}
		w := s.Classify(*g.TatDeadline, now)
		if w == WindowOnTrack {
			continue
		}
		key := fmt.Sprintf("%d:%d:%s", g.ID, g.TatDeadline.Unix(), w)
		s.mu.Lock()
		seen := s.notified[key]
		if !seen {
			s.notified[key] = true
		}
		s.mu.Unlock()
		if seen {
			continue
		}
		s.bus.Emit(core.EventTatBreachWarning, g.ID, 0, map[string]interface{}{
			"gapId":    g.GapID,
			"window":   string(w),
			"deadline": g.TatDeadline.Format(time.RFC3339),
		})
		s.logger.Info("tat warning emitted", "gap", g.ID, "window", w)
	}
}
