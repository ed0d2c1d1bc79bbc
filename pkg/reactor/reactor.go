// Package reactor provides the cooperative scheduling primitives used by
// the probing engine: a monotonic clock, bounded pauses, deferred
// callbacks, and completions for trigger waits.
package reactor

import (
	"context"
	"sync"
	"time"
)

// Constants
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// Completion represents an async operation that will complete with a result.
type Completion struct {
	reactor *Reactor
	result  interface{}
	done    chan struct{}
	once    sync.Once
}

// Test returns true if the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete sets the completion result and wakes any waiters.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Wait blocks until the completion is done or the timeout expires.
// Returns the result, or timeoutResult if the timeout expires first.
func (c *Completion) Wait(timeout time.Duration, timeoutResult interface{}) interface{} {
	select {
	case <-c.done:
		return c.result
	case <-time.After(timeout):
		return timeoutResult
	case <-c.reactor.ctx.Done():
		return timeoutResult
	}
}

// WaitUntil blocks until the completion is done or the waketime is reached.
func (c *Completion) WaitUntil(waketime float64, waketimeResult interface{}) interface{} {
	if waketime >= NEVER {
		select {
		case <-c.done:
			return c.result
		case <-c.reactor.ctx.Done():
			return waketimeResult
		}
	}
	now := c.reactor.Monotonic()
	if waketime <= now {
		select {
		case <-c.done:
			return c.result
		default:
			return waketimeResult
		}
	}
	return c.Wait(time.Duration((waketime-now)*float64(time.Second)), waketimeResult)
}

// Reactor schedules callbacks and paces polling loops against a single
// monotonic clock.
type Reactor struct {
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	wg        sync.WaitGroup
}

// New creates a new Reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Monotonic returns the current monotonic time in seconds.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// Completion creates a new Completion object.
func (r *Reactor) Completion() *Completion {
	return &Completion{reactor: r, done: make(chan struct{})}
}

// RegisterCallback schedules a callback to run at the given waketime
// (NOW for immediately). Returns a Completion carrying the callback's
// result.
func (r *Reactor) RegisterCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	completion := r.Completion()

	delay := time.Duration(0)
	if now := r.Monotonic(); waketime > now {
		delay = time.Duration((waketime - now) * float64(time.Second))
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.ctx.Done():
				completion.Complete(nil)
				return
			}
		}
		completion.Complete(callback(r.Monotonic()))
	}()
	return completion
}

// Pause sleeps until the given wake time, yielding to other work.
// Returns the event time on wakeup.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}
	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}
	select {
	case <-time.After(time.Duration((waketime - now) * float64(time.Second))):
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// End cancels pending callbacks and waits for them to finish.
func (r *Reactor) End() {
	r.cancel()
	r.wg.Wait()
}
