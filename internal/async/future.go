// Package async models asynchronous completions as explicit values.
//
// A Future resolves exactly once to one of three outcomes: a value, absent
// (the operation completed but produced nothing) or an error. Completions
// are handed back to the main loop with Deliver, and dependent steps are
// sequenced with Then instead of nesting callbacks.
package async

import (
	"context"
	"sync"

	"github.com/TONresistor/tonnet-tunnel/internal/runloop"
)

// Result is the settled outcome of a Future.
type Result[T any] struct {
	Value  T
	Absent bool
	Err    error
}

// OK reports whether the result carries a value.
func (r Result[T]) OK() bool {
	return r.Err == nil && !r.Absent
}

// Future is a single-assignment result. The zero value is not usable; use New.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	res  Result[T]
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Failed returns a future already failed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete resolves the future with v. It reports false if the future was
// already resolved, in which case v is discarded.
func (f *Future[T]) Complete(v T) bool {
	return f.settle(Result[T]{Value: v})
}

// CompleteAbsent resolves the future with no value.
func (f *Future[T]) CompleteAbsent() bool {
	return f.settle(Result[T]{Absent: true})
}

// Fail resolves the future with err.
func (f *Future[T]) Fail(err error) bool {
	return f.settle(Result[T]{Err: err})
}

func (f *Future[T]) settle(r Result[T]) bool {
	settled := false
	f.once.Do(func() {
		f.res = r
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the future has resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Peek returns the result without blocking; ok is false while pending.
func (f *Future[T]) Peek() (Result[T], bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return Result[T]{}, false
	}
}

// Await blocks until the future resolves or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (Result[T], error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	}
}

// Deliver posts fn onto q once the future resolves. fn never runs if the
// queue has been stopped by then.
func (f *Future[T]) Deliver(q runloop.Queue, fn func(Result[T])) {
	go func() {
		<-f.done
		res := f.res
		q.Post(func() { fn(res) })
	}()
}

// Then runs next with the value of f once it resolves successfully. Absent
// and error outcomes of f propagate to the returned future unchanged.
func Then[T, U any](f *Future[T], next func(T) *Future[U]) *Future[U] {
	out := New[U]()
	go func() {
		<-f.done
		switch {
		case f.res.Err != nil:
			out.Fail(f.res.Err)
		case f.res.Absent:
			out.CompleteAbsent()
		default:
			chained := next(f.res.Value)
			<-chained.done
			out.settle(chained.res)
		}
	}()
	return out
}
