// Package platform abstracts the OS-level tunnel connection object: its
// status, change notifications, start/stop requests and the provider
// message channel into the running tunnel.
package platform

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/TONresistor/tonnet-tunnel/internal/runloop"
)

var (
	ErrNotConnected = errors.New("tunnel session not established")
	ErrNoServer     = errors.New("no server address configured")
)

// Options are passed through to the tunnel when it starts
type Options map[string]string

// ResponseFunc receives the reply to a provider message. A nil payload with
// a nil error means the peer replied without data.
type ResponseFunc func(payload []byte, err error)

// Connection is the capability set of a tunnel connection object
type Connection interface {
	// ID identifies this connection; subscriptions are scoped to it
	ID() string
	Status() Status
	// Subscribe delivers every status change of this connection onto q,
	// one at a time and in transition order
	Subscribe(q runloop.Queue, fn func(Status)) Subscription
	StartTunnel(opts Options) error
	StopTunnel()
	// SendMessage fails synchronously when the message cannot be delivered;
	// otherwise onResponse is called exactly once
	SendMessage(payload []byte, onResponse ResponseFunc) error
}

// Subscription is a registered status observer
type Subscription interface {
	// Cancel stops delivery. It reports false if already cancelled.
	Cancel() bool
}

// observers is the per-connection subscriber list shared by the adapters
type observers struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscription
}

type subscription struct {
	owner     *observers
	id        int
	queue     runloop.Queue
	fn        func(Status)
	cancelled atomic.Bool
}

func (o *observers) add(q runloop.Queue, fn func(Status)) Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.subs == nil {
		o.subs = make(map[int]*subscription)
	}
	o.next++
	sub := &subscription{owner: o, id: o.next, queue: q, fn: fn}
	o.subs[sub.id] = sub
	return sub
}

func (o *observers) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// notify posts s to every subscriber. Callers hold their status lock so
// posts happen in transition order.
func (o *observers) notify(s Status) {
	o.mu.Lock()
	subs := make([]*subscription, 0, len(o.subs))
	for _, sub := range o.subs {
		subs = append(subs, sub)
	}
	o.mu.Unlock()

	for _, sub := range subs {
		sub := sub
		sub.queue.Post(func() {
			// a view torn down after the post must not see it
			if !sub.cancelled.Load() {
				sub.fn(s)
			}
		})
	}
}

func (s *subscription) Cancel() bool {
	if !s.cancelled.CompareAndSwap(false, true) {
		return false
	}
	s.owner.mu.Lock()
	delete(s.owner.subs, s.id)
	s.owner.mu.Unlock()
	return true
}
