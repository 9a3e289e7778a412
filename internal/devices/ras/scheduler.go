package ras

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/sleep"
)

// DefaultPollInterval is how long an armed scheduler sleeps between ticks.
const DefaultPollInterval = time.Millisecond

var errSchedulerRunning = errors.New("ras: scheduler already running")

// State is the injection scheduler state.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateFiredLow
	StateFiredHigh
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFiredLow:
		return "fired-low"
	case StateFiredHigh:
		return "fired-high"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// injectionTarget is what the scheduler drives. tick takes the device lock
// for the duration of one decision and applies any interrupt changes before
// releasing it. elapsed is set when a poll interval has passed; otherwise
// only records already due may fire.
type injectionTarget interface {
	tick(elapsed bool) TickResult
	fired(f Fire)
}

// Scheduler times injected faults for one device. It sleeps until woken by
// the register write path, then ticks the register file every poll interval
// until no record is counting down. A wake while armed evaluates newly armed
// records without consuming time from those already counting down.
//
// The wake path uses a sleep.Waker: an Assert that lands while the scheduler
// is not sleeping stays latched and is consumed by the next Fetch, so a wake
// issued between "request recorded" and "scheduler about to sleep" is never
// lost.
type Scheduler struct {
	target   injectionTarget
	interval time.Duration

	sleeper sleep.Sleeper
	inject  sleep.Waker
	timer   sleep.Waker
	stop    sleep.Waker

	state     atomic.Int32
	lastFired atomic.Int32
	running   atomic.Bool
	ticks     atomic.Uint64
}

func newScheduler(target injectionTarget, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	s := &Scheduler{
		target:   target,
		interval: interval,
	}
	s.lastFired.Store(int32(StateIdle))
	s.sleeper.AddWaker(&s.inject)
	s.sleeper.AddWaker(&s.timer)
	s.sleeper.AddWaker(&s.stop)
	return s
}

// Wake moves an idle scheduler to armed, or makes an armed one evaluate newly
// armed records. Safe to call from any goroutine.
func (s *Scheduler) Wake() {
	s.inject.Assert()
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// LastFired returns StateFiredLow or StateFiredHigh for the most recent fire,
// or StateIdle if nothing has fired yet.
func (s *Scheduler) LastFired() State {
	return State(s.lastFired.Load())
}

// Ticks returns how many tick decisions the scheduler has taken.
func (s *Scheduler) Ticks() uint64 {
	return s.ticks.Load()
}

// Interval returns the poll interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the state machine until ctx is done. It only returns ctx.Err(),
// or an error if the scheduler is already running.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errSchedulerRunning
	}
	defer s.running.Store(false)

	s.stop.Clear()
	unregister := context.AfterFunc(ctx, s.stop.Assert)
	defer unregister()

	timer := time.AfterFunc(s.interval, s.timer.Assert)
	timer.Stop()
	defer timer.Stop()

	for {
		s.setState(StateIdle)

		switch s.sleeper.Fetch(true) {
		case &s.stop:
			return ctx.Err()
		case &s.timer:
			// Left over from a previous armed period.
			continue
		}

		s.setState(StateArmed)
		s.timer.Clear()
		timer.Reset(s.interval)
		elapsed := false
		for {
			s.ticks.Add(1)
			res := s.target.tick(elapsed)
			for _, f := range res.Fired {
				st := StateFiredLow
				if f.Severity == SeverityHigh {
					st = StateFiredHigh
				}
				s.setState(st)
				s.lastFired.Store(int32(st))
				s.target.fired(f)
			}
			if !res.Waiting {
				timer.Stop()
				break
			}
			s.setState(StateArmed)

			switch s.sleeper.Fetch(true) {
			case &s.stop:
				return ctx.Err()
			case &s.timer:
				elapsed = true
				timer.Reset(s.interval)
			default:
				// A fresh injection; the running timer keeps its deadline.
				elapsed = false
			}
		}
	}
}
