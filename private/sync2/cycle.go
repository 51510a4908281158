// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cycle implements a controllable recurring event.
//
// Cycle is used heavily by chores: it ticks on an interval, but it can also
// be paused, triggered out of band, or have its interval changed while the
// loop is running.
type Cycle struct {
	interval time.Duration

	ticker  *time.Ticker
	control chan interface{}

	runexec bool

	stopping chan struct{}
	stopped  chan struct{}

	init     sync.Once
	stoponce sync.Once
}

type (
	cyclePause    struct{}
	cycleContinue struct{}
	cycleChangeInterval struct {
		Interval time.Duration
	}
	cycleTrigger struct {
		done chan struct{}
	}
)

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

// SetInterval allows changing the interval before the cycle has started.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) initialize() {
	cycle.init.Do(func() {
		cycle.stopped = make(chan struct{})
		cycle.stopping = make(chan struct{})
		cycle.control = make(chan interface{})
	})
}

// Start spawns Run inside group.
func (cycle *Cycle) Start(ctx context.Context, group *errgroup.Group, fn func(ctx context.Context) error) {
	group.Go(func() error {
		return cycle.Run(ctx, fn)
	})
}

// Run runs the specified function with an interval, starting with an
// immediate invocation.
//
// Returns when fn returns an error, Stop is called, or the context is
// canceled.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()
	defer close(cycle.stopped)

	cycle.runexec = true

	currentInterval := cycle.interval
	cycle.ticker = time.NewTicker(currentInterval)
	defer cycle.ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-cycle.stopping:
			return nil

		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case message := <-cycle.control:
			switch message := message.(type) {
			case cycleChangeInterval:
				currentInterval = message.Interval
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cyclePause:
				cycle.ticker.Stop()
				// drain a tick that may already be pending
				select {
				case <-cycle.ticker.C:
				default:
				}

			case cycleContinue:
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cycleTrigger:
				err := fn(ctx)
				if message.done != nil {
					close(message.done)
				}
				if err != nil {
					return err
				}
			}
		}
	}
}

func (cycle *Cycle) sendControl(message interface{}) {
	cycle.initialize()
	select {
	case cycle.control <- message:
	case <-cycle.stopped:
	case <-cycle.stopping:
	}
}

// Close stops the cycle permanently and waits for the loop to exit.
func (cycle *Cycle) Close() {
	cycle.Stop()
	if cycle.runexec {
		<-cycle.stopped
	}
}

// Stop requests the cycle to stop; it does not wait for the loop to exit.
func (cycle *Cycle) Stop() {
	cycle.initialize()
	cycle.stoponce.Do(func() { close(cycle.stopping) })
}

// ChangeInterval changes the ticker interval after the cycle has started.
func (cycle *Cycle) ChangeInterval(interval time.Duration) {
	cycle.sendControl(cycleChangeInterval{interval})
}

// Pause pauses the cycle until Restart or Trigger.
func (cycle *Cycle) Pause() {
	cycle.sendControl(cyclePause{})
}

// Restart restarts the ticker from zero.
func (cycle *Cycle) Restart() {
	cycle.sendControl(cycleContinue{})
}

// Trigger ensures the loop body runs at least once more. If the body is
// currently running, it runs again after the current invocation completes.
func (cycle *Cycle) Trigger() {
	cycle.sendControl(cycleTrigger{})
}

// TriggerWait triggers the loop body and waits for that invocation to
// complete.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	cycle.sendControl(cycleTrigger{done})
	select {
	case <-done:
	case <-cycle.stopped:
	case <-cycle.stopping:
	}
}
