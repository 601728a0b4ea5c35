package platform

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/runloop"
	"go.uber.org/zap/zaptest"
)

func startLoop(t *testing.T) *runloop.Loop {
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

type recorder struct {
	mu  sync.Mutex
	got []Status
}

func (r *recorder) record(s Status) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.got...)
}

func TestSubscriptionDeliversInOrder(t *testing.T) {
	l := startLoop(t)
	conn := NewFake(StatusDisconnected)

	rec := &recorder{}
	sub := conn.Subscribe(l, rec.record)
	defer sub.Cancel()

	seq := []Status{StatusConnecting, StatusConnected, StatusReasserting, StatusConnected, StatusDisconnecting, StatusDisconnected}
	conn.Drive(seq...)
	flush(t, l)

	got := rec.statuses()
	if len(got) != len(seq) {
		t.Fatalf("delivered %v, want %v", got, seq)
	}
	for i := range seq {
		if got[i] != seq[i] {
			t.Errorf("notification %d = %v, want %v", i, got[i], seq[i])
		}
	}
}

func TestSubscriptionIsScopedToConnection(t *testing.T) {
	l := startLoop(t)
	watched := NewFake(StatusDisconnected)
	other := NewFake(StatusDisconnected)

	rec := &recorder{}
	sub := watched.Subscribe(l, rec.record)
	defer sub.Cancel()

	other.Drive(StatusConnecting, StatusConnected)
	flush(t, l)

	if got := rec.statuses(); len(got) != 0 {
		t.Errorf("unrelated connection produced notifications %v", got)
	}
	if watched.ID() == other.ID() {
		t.Error("fakes share an identity")
	}
}

func TestSubscriptionCancel(t *testing.T) {
	l := startLoop(t)
	conn := NewFake(StatusDisconnected)

	rec := &recorder{}
	sub := conn.Subscribe(l, rec.record)
	if conn.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", conn.Subscribers())
	}

	if !sub.Cancel() {
		t.Error("first Cancel returned false")
	}
	if sub.Cancel() {
		t.Error("second Cancel returned true")
	}
	if conn.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d after cancel, want 0", conn.Subscribers())
	}

	conn.SetStatus(StatusConnecting)
	flush(t, l)
	if got := rec.statuses(); len(got) != 0 {
		t.Errorf("cancelled subscription received %v", got)
	}
}

func TestCancelDropsQueuedNotification(t *testing.T) {
	l := startLoop(t)
	conn := NewFake(StatusDisconnected)

	rec := &recorder{}
	sub := conn.Subscribe(l, rec.record)

	// hold the loop so the notification is queued before the cancel
	release := make(chan struct{})
	l.Post(func() { <-release })
	conn.SetStatus(StatusConnecting)
	sub.Cancel()
	close(release)
	flush(t, l)

	if got := rec.statuses(); len(got) != 0 {
		t.Errorf("notification delivered after cancel: %v", got)
	}
}

func TestFakeAutoTransition(t *testing.T) {
	l := startLoop(t)
	conn := NewFake(StatusDisconnected)
	conn.AutoTransition = true

	rec := &recorder{}
	sub := conn.Subscribe(l, rec.record)
	defer sub.Cancel()

	if err := conn.StartTunnel(nil); err != nil {
		t.Fatal(err)
	}
	conn.StopTunnel()
	flush(t, l)

	want := []Status{StatusConnecting, StatusConnected, StatusDisconnecting, StatusDisconnected}
	got := rec.statuses()
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	if conn.Starts() != 1 || conn.Stops() != 1 {
		t.Errorf("starts=%d stops=%d, want 1/1", conn.Starts(), conn.Stops())
	}
}

func TestFakeSendMessage(t *testing.T) {
	conn := NewFake(StatusConnected)

	type reply struct {
		payload []byte
		err     error
	}
	got := make(chan reply, 1)
	if err := conn.SendMessage([]byte("ping"), func(p []byte, err error) { got <- reply{p, err} }); err != nil {
		t.Fatal(err)
	}
	r := <-got
	if r.payload != nil || r.err != nil {
		t.Errorf("default reply = %+v, want absent", r)
	}

	conn.Respond = func(p []byte) ([]byte, error) { return append([]byte("re: "), p...), nil }
	conn.SendMessage([]byte("ping"), func(p []byte, err error) { got <- reply{p, err} })
	if r := <-got; string(r.payload) != "re: ping" {
		t.Errorf("reply = %q, want re: ping", r.payload)
	}

	conn.SendErr = errors.New("no session")
	if err := conn.SendMessage([]byte("x"), func([]byte, error) { t.Error("callback after send failure") }); err == nil {
		t.Error("SendMessage succeeded with SendErr set")
	}
	if n := len(conn.Sent()); n != 2 {
		t.Errorf("Sent() has %d messages, want 2", n)
	}
}
