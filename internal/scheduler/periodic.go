package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrAlreadyStarted  = errors.New("scheduler already started")
	ErrInvalidInterval = errors.New("interval must be > 0")
)

// Periodic calls an action every interval on its own goroutine.
// The first call happens one interval after Start. A call never overlaps the
// previous one: the next wait only begins once the action has returned, so a
// slow action stretches the period instead of stacking calls.
type Periodic struct {
	interval time.Duration
	action   func()

	startOnce  sync.Once
	cancelOnce sync.Once
	quit       chan struct{}
	done       chan struct{}
}

func New(interval time.Duration, action func()) *Periodic {
	return &Periodic{
		interval: interval,
		action:   action,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. A second call returns ErrAlreadyStarted.
func (p *Periodic) Start() error {
	if p.interval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, p.interval)
	}
	if p.action == nil {
		return errors.New("action is required")
	}
	err := ErrAlreadyStarted
	p.startOnce.Do(func() {
		err = nil
		go p.loop()
	})
	return err
}

func (p *Periodic) loop() {
	defer close(p.done)
	t := time.NewTimer(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-t.C:
		}
		// cancel may have raced with the timer firing
		select {
		case <-p.quit:
			return
		default:
		}
		p.run()
		t.Reset(p.interval)
	}
}

func (p *Periodic) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("periodic action panicked", "panic", r)
		}
	}()
	p.action()
}

// Cancel stops future calls. Safe to call repeatedly, concurrently and from
// inside the action; an in-flight call is allowed to finish.
func (p *Periodic) Cancel() {
	p.cancelOnce.Do(func() { close(p.quit) })
}

// Canceled reports whether Cancel has been called.
func (p *Periodic) Canceled() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

// Done is closed when the loop goroutine has exited. It never closes for a
// scheduler that was not started.
func (p *Periodic) Done() <-chan struct{} { return p.done }
