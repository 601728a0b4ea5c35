package platform

import (
	"sync"

	"github.com/TONresistor/tonnet-tunnel/internal/runloop"
	"github.com/google/uuid"
)

// Fake is an in-memory Connection driven explicitly by tests and demos.
type Fake struct {
	id  string
	obs observers

	mu     sync.Mutex
	status Status
	starts []Options
	stops  int
	sent   [][]byte

	// StartErr is returned by StartTunnel when set
	StartErr error
	// SendErr is returned by SendMessage when set
	SendErr error
	// Respond computes the reply to a provider message. Nil replies absent.
	Respond func(payload []byte) ([]byte, error)
	// Silent drops provider messages without ever replying
	Silent bool
	// AutoTransition makes start and stop walk through the intermediate
	// states the way a real connection would
	AutoTransition bool
}

// NewFake creates a fake connection in the given state
func NewFake(initial Status) *Fake {
	return &Fake{id: uuid.NewString(), status: initial}
}

func (f *Fake) ID() string { return f.id }

func (f *Fake) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Fake) Subscribe(q runloop.Queue, fn func(Status)) Subscription {
	return f.obs.add(q, fn)
}

// SetStatus transitions the connection and notifies subscribers
func (f *Fake) SetStatus(s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
	f.obs.notify(s)
}

// Drive applies a sequence of transitions in order
func (f *Fake) Drive(seq ...Status) {
	for _, s := range seq {
		f.SetStatus(s)
	}
}

func (f *Fake) StartTunnel(opts Options) error {
	f.mu.Lock()
	f.starts = append(f.starts, opts)
	err := f.StartErr
	auto := f.AutoTransition
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if auto {
		f.Drive(StatusConnecting, StatusConnected)
	}
	return nil
}

func (f *Fake) StopTunnel() {
	f.mu.Lock()
	f.stops++
	auto := f.AutoTransition
	f.mu.Unlock()

	if auto {
		f.Drive(StatusDisconnecting, StatusDisconnected)
	}
}

func (f *Fake) SendMessage(payload []byte, onResponse ResponseFunc) error {
	f.mu.Lock()
	if f.SendErr != nil {
		err := f.SendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	respond := f.Respond
	silent := f.Silent
	f.mu.Unlock()

	if silent {
		return nil
	}
	go func() {
		if respond == nil {
			onResponse(nil, nil)
			return
		}
		onResponse(respond(payload))
	}()
	return nil
}

// Starts returns the number of start requests received
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

// Stops returns the number of stop requests received
func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// Sent returns every provider message delivered so far
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// Subscribers returns the number of live subscriptions
func (f *Fake) Subscribers() int {
	return f.obs.count()
}
