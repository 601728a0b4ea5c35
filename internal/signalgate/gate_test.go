package signalgate

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/runloop"
	"go.uber.org/zap/zaptest"
)

func newLoop(t *testing.T) *runloop.Loop {
	t.Helper()
	l := runloop.New(zaptest.NewLogger(t))
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()
	t.Cleanup(func() {
		l.Stop()
		<-errCh
	})
	return l
}

func flush(t *testing.T, l *runloop.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Call(ctx, func() {}); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestDispatchRunsEachHandlerOncePerSignal(t *testing.T) {
	l := newLoop(t)
	g := New(l, zaptest.NewLogger(t))

	var (
		mu  sync.Mutex
		got []os.Signal
	)
	record := func(sig os.Signal) {
		mu.Lock()
		got = append(got, sig)
		mu.Unlock()
	}
	g.Register(syscall.SIGINT, record)
	g.Register(syscall.SIGTERM, record)

	g.dispatch(syscall.SIGINT)
	g.dispatch(syscall.SIGTERM)
	g.dispatch(syscall.SIGINT)
	flush(t, l)

	mu.Lock()
	defer mu.Unlock()
	want := []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGINT}
	if len(got) != len(want) {
		t.Fatalf("handled %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDispatchUnregisteredSignal(t *testing.T) {
	l := newLoop(t)
	g := New(l, zaptest.NewLogger(t))

	called := false
	g.Register(syscall.SIGTERM, func(os.Signal) { called = true })
	g.dispatch(syscall.SIGHUP)
	flush(t, l)

	if called {
		t.Error("SIGTERM handler ran for SIGHUP")
	}
}

func TestHandlersRunOnLoop(t *testing.T) {
	l := newLoop(t)
	g := New(l, zaptest.NewLogger(t))

	// the handler mutates state the loop also touches; serialized access
	// means the race detector stays quiet without locks
	counter := 0
	g.Register(syscall.SIGINT, func(os.Signal) { counter++ })
	g.Register(syscall.SIGINT, func(os.Signal) { counter *= 10 })

	g.dispatch(syscall.SIGINT)
	flush(t, l)

	var got int
	if err := l.Call(context.Background(), func() { got = counter }); err != nil {
		t.Fatal(err)
	}
	if got != 10 {
		t.Errorf("counter = %d, want 10 (handlers out of order?)", got)
	}
}

func TestDispatchAfterLoopStopped(t *testing.T) {
	l := runloop.New(zaptest.NewLogger(t))
	l.Stop()
	g := New(l, zaptest.NewLogger(t))

	g.Register(syscall.SIGINT, func(os.Signal) { t.Error("handler ran on a stopped loop") })
	g.dispatch(syscall.SIGINT)
}

func TestCloseIsIdempotent(t *testing.T) {
	g := New(newLoop(t), zaptest.NewLogger(t))
	g.Start()
	g.Start()
	g.Close()
	g.Close()
}

func TestCloseStopsPump(t *testing.T) {
	l := newLoop(t)
	g := New(l, zaptest.NewLogger(t))

	called := false
	g.Register(syscall.SIGHUP, func(os.Signal) { called = true })
	g.Start()
	g.Close()

	// nothing drains the channel once Close has returned
	g.ch <- syscall.SIGHUP
	flush(t, l)

	var got bool
	if err := l.Call(context.Background(), func() { got = called }); err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("handler ran after Close")
	}
}
