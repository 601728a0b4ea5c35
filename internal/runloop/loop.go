// Package runloop provides the single serialized event loop that every
// control-plane callback runs on: signal delivery, store completions,
// connection-state notifications and provider responses.
package runloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrStopped = errors.New("run loop stopped")
	ErrRunning = errors.New("run loop already running")
)

// Queue accepts work to run on the loop. Post reports false when the work
// will never run.
type Queue interface {
	Post(fn func()) bool
}

// Loop is a FIFO of callbacks executed one at a time by Run.
// Posting never blocks, so callbacks may post follow-up work.
type Loop struct {
	mu    sync.Mutex
	queue []func()

	wake     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	logger *zap.Logger
}

// New creates a loop. Nothing runs until Run is called.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Post enqueues fn behind everything already queued.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-l.stopped:
		// fn may have been the callback that stopped the loop
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes callbacks until ctx is cancelled or Stop is called.
// Callbacks still queued when the loop stops are dropped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	l.logger.Debug("run loop started")
	for {
		for {
			select {
			case <-l.stopped:
				l.logger.Debug("run loop torn down")
				return nil
			default:
			}

			fn := l.next()
			if fn == nil {
				break
			}
			fn()
		}

		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.stopped:
			l.logger.Debug("run loop torn down")
			return nil
		case <-l.wake:
		}
	}
}

// Stop tears the loop down. Safe to call more than once and from a callback.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
	})
}

// Stopped is closed once the loop has been torn down.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}
