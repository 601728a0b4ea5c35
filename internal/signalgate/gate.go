// Package signalgate turns process signals into callbacks on the main loop.
//
// A Gate is an explicit registration table: it is created at startup, owns
// its signal channel and is torn down with Close. Once started, the handled
// signals no longer terminate the process; what happens instead is decided
// entirely by the registered handlers.
package signalgate

import (
	"os"
	"os/signal"
	"sync"

	"github.com/TONresistor/tonnet-tunnel/internal/runloop"
	"go.uber.org/zap"
)

// Handler is invoked on the main loop once per delivered signal.
type Handler func(sig os.Signal)

// Gate maps signals to handlers.
type Gate struct {
	mu       sync.Mutex
	handlers map[os.Signal][]Handler
	started  bool

	queue  runloop.Queue
	ch     chan os.Signal
	done   chan struct{}
	exited chan struct{}
	once   sync.Once

	logger *zap.Logger
}

// New creates a gate that dispatches onto queue.
func New(queue runloop.Queue, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		handlers: make(map[os.Signal][]Handler),
		queue:    queue,
		ch:       make(chan os.Signal, 8),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		logger:   logger,
	}
}

// Register adds fn for sig. Several signals may share one handler and a
// signal may have several handlers; they run in registration order.
func (g *Gate) Register(sig os.Signal, fn Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.handlers[sig] = append(g.handlers[sig], fn)
	if g.started {
		signal.Notify(g.ch, sig)
	}
}

// Start begins intercepting every registered signal.
func (g *Gate) Start() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	sigs := make([]os.Signal, 0, len(g.handlers))
	for sig := range g.handlers {
		sigs = append(sigs, sig)
	}
	g.mu.Unlock()

	if len(sigs) > 0 {
		signal.Notify(g.ch, sigs...)
	}
	go g.pump()
}

// Close restores default signal handling and stops dispatching. It returns
// once no further handler can be posted.
func (g *Gate) Close() {
	g.once.Do(func() {
		signal.Stop(g.ch)
		close(g.done)
	})

	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	if started {
		<-g.exited
	}
}

func (g *Gate) pump() {
	defer close(g.exited)
	for {
		select {
		case sig := <-g.ch:
			g.dispatch(sig)
		case <-g.done:
			return
		}
	}
}

// dispatch posts every handler registered for sig onto the loop.
func (g *Gate) dispatch(sig os.Signal) {
	g.mu.Lock()
	handlers := append([]Handler(nil), g.handlers[sig]...)
	g.mu.Unlock()

	g.logger.Info("signal received",
		zap.String("signal", sig.String()),
		zap.Int("handlers", len(handlers)),
	)

	for _, fn := range handlers {
		fn := fn
		if !g.queue.Post(func() { fn(sig) }) {
			g.logger.Warn("signal dropped, run loop stopped", zap.String("signal", sig.String()))
		}
	}
}
