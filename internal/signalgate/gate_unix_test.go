//go:build unix

package signalgate

import (
	"os"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestRealSignalIsIntercepted(t *testing.T) {
	l := newLoop(t)
	g := New(l, zaptest.NewLogger(t))

	got := make(chan os.Signal, 1)
	g.Register(syscall.SIGUSR1, func(sig os.Signal) { got <- sig })
	g.Start()
	defer g.Close()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case sig := <-got:
		if sig != syscall.SIGUSR1 {
			t.Errorf("got %v, want SIGUSR1", sig)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("signal never reached the handler")
	}
}
