// Package scheduler runs independent periodic loops. Ticks of one loop never
// overlap; different loops run concurrently.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// TickFunc is one unit of periodic work. It must return once ctx is done.
type TickFunc func(ctx context.Context)

// Loop calls Tick at start, then every Interval or whenever Trigger is called.
type Loop struct {
	Name     string
	Interval time.Duration
	Tick     TickFunc

	trigger chan struct{}
}

// NewLoop creates a loop.
func NewLoop(name string, interval time.Duration, tick TickFunc) *Loop {
	return &Loop{
		Name:     name,
		Interval: interval,
		Tick:     tick,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests an extra tick. Requests made while a tick is running
// collapse into a single follow-up tick.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l.Interval <= 0 {
		return fmt.Errorf("loop %s: interval must be positive, got %s", l.Name, l.Interval)
	}
	if l.Tick == nil {
		return fmt.Errorf("loop %s: tick function is required", l.Name)
	}
	if l.trigger == nil {
		l.trigger = make(chan struct{}, 1)
	}

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	slog.Info("loop started", "loop", l.Name, "interval", l.Interval)
	for {
		l.runTick(ctx)

		select {
		case <-ctx.Done():
			slog.Info("loop stopped", "loop", l.Name)
			return nil
		case <-ticker.C:
		case <-l.trigger:
			slog.Debug("loop triggered", "loop", l.Name)
		}
		if ctx.Err() != nil {
			slog.Info("loop stopped", "loop", l.Name)
			return nil
		}
	}
}

func (l *Loop) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tick panicked", "loop", l.Name, "panic", r)
		}
	}()
	start := time.Now()
	l.Tick(ctx)
	slog.Debug("tick finished", "loop", l.Name, "duration", time.Since(start))
}

// Scheduler runs a set of loops.
type Scheduler struct {
	loops []*Loop
}

// New creates a scheduler for loops.
func New(loops ...*Loop) *Scheduler {
	return &Scheduler{loops: loops}
}

// Loops returns the scheduled loops.
func (s *Scheduler) Loops() []*Loop {
	return s.loops
}

// Run blocks until ctx is cancelled and every loop has returned. A loop
// that fails to start cancels the others.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range s.loops {
		g.Go(func() error {
			return l.Run(ctx)
		})
	}
	return g.Wait()
}
