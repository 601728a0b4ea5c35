package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/async"
	"github.com/TONresistor/tonnet-tunnel/internal/metrics"
	"github.com/TONresistor/tonnet-tunnel/internal/platform"
	"github.com/TONresistor/tonnet-tunnel/internal/profile"
	"github.com/TONresistor/tonnet-tunnel/internal/provider"
	"github.com/TONresistor/tonnet-tunnel/internal/runloop"
	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	t       *testing.T
	loop    *runloop.Loop
	conn    *platform.Fake
	store   *profile.MemoryStore
	metrics *metrics.Collector
	ctrl    *Controller

	mu      sync.Mutex
	replies []async.Result[[]byte]
}

func newHarness(t *testing.T, initial platform.Status, cfg profile.TunnelConfiguration) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	l := runloop.New(logger)
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()
	t.Cleanup(func() {
		l.Stop()
		<-errCh
	})

	h := &harness{
		t:       t,
		loop:    l,
		conn:    platform.NewFake(initial),
		store:   profile.NewMemoryStore(cfg),
		metrics: metrics.NewCollector(),
	}
	ch := provider.NewChannel(h.conn, time.Second, h.metrics, logger)
	opts := Options{
		StoreTimeout: 2 * time.Second,
		OnProviderResponse: func(res async.Result[[]byte]) {
			h.mu.Lock()
			h.replies = append(h.replies, res)
			h.mu.Unlock()
		},
	}
	h.ctrl = New(cfg, h.conn, h.store, ch, l, opts, h.metrics, logger)
	return h
}

// on runs fn on the loop and waits for it
func (h *harness) on(fn func()) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.loop.Call(ctx, fn); err != nil {
		h.t.Fatalf("loop call: %v", err)
	}
}

func (h *harness) view() View {
	var v View
	h.on(func() { v = h.ctrl.View() })
	return v
}

func (h *harness) initialize() {
	h.t.Helper()
	var err error
	h.on(func() { err = h.ctrl.InitializeView() })
	if err != nil {
		h.t.Fatalf("InitializeView: %v", err)
	}
}

func (h *harness) setEnabled(flag bool) async.Result[View] {
	h.t.Helper()
	var f *async.Future[View]
	h.on(func() { f = h.ctrl.SetEnabled(flag) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Await(ctx)
	if err != nil {
		h.t.Fatalf("SetEnabled never completed: %v", err)
	}
	// the future settles inside the loop callback; let it return
	h.on(func() {})
	return res
}

func (h *harness) waitReplies(n int) []async.Result[[]byte] {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		got := append([]async.Result[[]byte](nil), h.replies...)
		h.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("expected %d provider replies", n)
	return nil
}

func TestInitializeView(t *testing.T) {
	tests := []struct {
		name       string
		status     platform.Status
		enabled    bool
		wantToggle bool
		wantText   string
		wantGreet  bool
	}{
		{"disconnected", platform.StatusDisconnected, true, false, "Disconnected", true},
		{"invalid skips greeting", platform.StatusInvalid, true, false, "Invalid", false},
		{"connected", platform.StatusConnected, true, true, "Connected", true},
		{"reasserting", platform.StatusReasserting, false, true, "Reconnecting", true},
		{"disconnecting", platform.StatusDisconnecting, true, true, "Disconnecting", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := profile.Default()
			cfg.Enabled = tt.enabled
			h := newHarness(t, tt.status, cfg)
			h.initialize()

			v := h.view()
			if v.Title != "Demo VPN" {
				t.Errorf("Title = %q", v.Title)
			}
			if v.Status != tt.wantText {
				t.Errorf("Status = %q, want %q", v.Status, tt.wantText)
			}
			if v.ToggleOn != tt.wantToggle {
				t.Errorf("ToggleOn = %v, want %v", v.ToggleOn, tt.wantToggle)
			}
			if v.Enabled != tt.enabled || v.ToggleEnabled != tt.enabled {
				t.Errorf("Enabled=%v ToggleEnabled=%v, want both %v", v.Enabled, v.ToggleEnabled, tt.enabled)
			}

			sent := h.conn.Sent()
			if tt.wantGreet {
				if len(sent) != 1 || string(sent[0]) != "Hello Provider" {
					t.Errorf("sent %q, want the greeting", sent)
				}
				if got := h.waitReplies(1); !got[0].Absent {
					t.Errorf("greeting reply = %+v, want absent", got[0])
				}
			} else if len(sent) != 0 {
				t.Errorf("sent %q to an invalid connection", sent)
			}
		})
	}
}

func TestInitializeViewTwice(t *testing.T) {
	h := newHarness(t, platform.StatusDisconnected, profile.Default())
	h.initialize()

	var err error
	h.on(func() { err = h.ctrl.InitializeView() })
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second InitializeView = %v, want ErrAlreadyInitialized", err)
	}
	if n := h.conn.Subscribers(); n != 1 {
		t.Errorf("Subscribers() = %d, want 1", n)
	}
}

func TestGreetingReplyDelivered(t *testing.T) {
	h := newHarness(t, platform.StatusConnected, profile.Default())
	h.conn.Respond = func(p []byte) ([]byte, error) { return []byte("Hello App"), nil }
	h.initialize()

	got := h.waitReplies(1)
	if !got[0].OK() || string(got[0].Value) != "Hello App" {
		t.Errorf("reply = %+v", got[0])
	}
}

func TestGreetingFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, platform.StatusConnected, profile.Default())
	h.conn.SendErr = errors.New("no session")
	h.initialize()

	if v := h.view(); v.Status != "Connected" {
		t.Errorf("Status = %q after failed greeting", v.Status)
	}
}

func TestTeardownView(t *testing.T) {
	h := newHarness(t, platform.StatusDisconnected, profile.Default())

	var err error
	h.on(func() { err = h.ctrl.TeardownView() })
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("TeardownView before init = %v, want ErrNotInitialized", err)
	}

	h.initialize()
	h.on(func() { err = h.ctrl.TeardownView() })
	if err != nil {
		t.Fatalf("TeardownView: %v", err)
	}
	if n := h.conn.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d after teardown", n)
	}

	h.conn.SetStatus(platform.StatusConnected)
	if v := h.view(); v.Status != "Disconnected" || v.ToggleOn {
		t.Errorf("view changed after teardown: %+v", v)
	}

	// a torn down view can be initialized again
	h.initialize()
	if n := h.conn.Subscribers(); n != 1 {
		t.Errorf("Subscribers() = %d after re-init", n)
	}
}

func TestStateChangesDriveToggle(t *testing.T) {
	tests := []struct {
		status     platform.Status
		wantToggle bool
		wantText   string
	}{
		{platform.StatusConnecting, true, "Connecting"},
		{platform.StatusConnected, true, "Connected"},
		{platform.StatusReasserting, true, "Reconnecting"},
		{platform.StatusDisconnecting, false, "Disconnecting"},
		{platform.StatusDisconnected, false, "Disconnected"},
		{platform.StatusInvalid, false, "Invalid"},
	}

	h := newHarness(t, platform.StatusDisconnected, profile.Default())
	h.initialize()

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			h.conn.SetStatus(tt.status)
			v := h.view()
			if v.ToggleOn != tt.wantToggle {
				t.Errorf("ToggleOn = %v, want %v", v.ToggleOn, tt.wantToggle)
			}
			if v.Status != tt.wantText {
				t.Errorf("Status = %q, want %q", v.Status, tt.wantText)
			}
		})
	}

	reg := h.metrics.Registry()
	if n, err := testutil.GatherAndCount(reg, "tonnet_tunnel_state_transitions_total"); err != nil || n != len(tests) {
		t.Errorf("transition series = %d (%v), want %d", n, err, len(tests))
	}
}

func TestOtherConnectionIgnored(t *testing.T) {
	h := newHarness(t, platform.StatusDisconnected, profile.Default())
	h.initialize()

	other := platform.NewFake(platform.StatusDisconnected)
	sub := other.Subscribe(h.loop, func(platform.Status) {})
	defer sub.Cancel()
	other.Drive(platform.StatusConnecting, platform.StatusConnected)

	if v := h.view(); v.ToggleOn || v.Status != "Disconnected" {
		t.Errorf("view followed another connection: %+v", v)
	}
}

func TestSetEnabled(t *testing.T) {
	h := newHarness(t, platform.StatusDisconnected, profile.Default())
	h.initialize()

	var changes []View
	h.on(func() { h.ctrl.OnChange(func(v View) { changes = append(changes, v) }) })

	res := h.setEnabled(false)
	if res.Err != nil {
		t.Fatalf("SetEnabled(false): %v", res.Err)
	}
	if res.Value.Enabled || res.Value.ToggleEnabled {
		t.Errorf("view after disable = %+v", res.Value)
	}
	if stored, _ := h.store.Get("demo"); stored.Enabled {
		t.Error("disable not persisted")
	}

	res = h.setEnabled(true)
	if res.Err != nil {
		t.Fatalf("SetEnabled(true): %v", res.Err)
	}
	if !res.Value.Enabled || !res.Value.ToggleEnabled {
		t.Errorf("view after enable = %+v", res.Value)
	}

	var n int
	h.on(func() { n = len(changes) })
	if n != 4 {
		t.Errorf("OnChange fired %d times, want 4", n)
	}
}

func TestSetEnabledSaveFailure(t *testing.T) {
	h := newHarness(t, platform.StatusDisconnected, profile.Default())
	h.initialize()
	h.store.SetSaveErr(errors.New("read-only"))

	res := h.setEnabled(false)
	if !errors.Is(res.Err, tunnelerr.ErrPersistence) {
		t.Fatalf("SetEnabled = %v, want ErrPersistence", res.Err)
	}

	v := h.view()
	if !v.Enabled {
		t.Error("Enabled not reverted to the persisted value")
	}
	if v.ToggleEnabled {
		t.Error("start/stop control still enabled after a failed save")
	}
	var cfg profile.TunnelConfiguration
	h.on(func() { cfg = h.ctrl.Configuration() })
	if !cfg.Enabled {
		t.Error("Configuration() changed despite the failed save")
	}
	if n, _ := testutil.GatherAndCount(h.metrics.Registry(), "tonnet_tunnel_persistence_failures_total"); n != 1 {
		t.Errorf("persistence failure series = %d, want 1", n)
	}

	var err error
	h.on(func() { err = h.ctrl.SetRunning(true) })
	if !errors.Is(err, ErrControlDisabled) {
		t.Errorf("SetRunning(true) = %v, want ErrControlDisabled", err)
	}
	if h.conn.Starts() != 0 {
		t.Error("tunnel started through a disabled control")
	}
}

func TestSetEnabledReloadFailure(t *testing.T) {
	h := newHarness(t, platform.StatusDisconnected, profile.Default())
	h.initialize()
	h.store.SetLoadErr(errors.New("flaky"))

	res := h.setEnabled(false)
	if !errors.Is(res.Err, tunnelerr.ErrPersistence) {
		t.Fatalf("SetEnabled = %v, want ErrPersistence", res.Err)
	}
	v := h.view()
	if v.Enabled || v.ToggleEnabled {
		t.Errorf("view = %+v, want the saved value with the control disabled", v)
	}
}

func TestSetRunning(t *testing.T) {
	tests := []struct {
		name      string
		status    platform.Status
		flag      bool
		wantStart int
		wantStop  int
	}{
		{"start from disconnected", platform.StatusDisconnected, true, 1, 0},
		{"start from invalid", platform.StatusInvalid, true, 1, 0},
		{"start while connected is a no-op", platform.StatusConnected, true, 0, 0},
		{"start while connecting is a no-op", platform.StatusConnecting, true, 0, 0},
		{"stop while connected", platform.StatusConnected, false, 0, 1},
		{"stop while disconnected still requests", platform.StatusDisconnected, false, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.status, profile.Default())
			var err error
			h.on(func() { err = h.ctrl.SetRunning(tt.flag) })
			if err != nil {
				t.Fatalf("SetRunning: %v", err)
			}
			if h.conn.Starts() != tt.wantStart || h.conn.Stops() != tt.wantStop {
				t.Errorf("starts=%d stops=%d, want %d/%d", h.conn.Starts(), h.conn.Stops(), tt.wantStart, tt.wantStop)
			}
		})
	}
}

func TestSetRunningStartFailure(t *testing.T) {
	h := newHarness(t, platform.StatusDisconnected, profile.Default())
	h.conn.StartErr = errors.New("permission denied")
	h.initialize()

	var err error
	h.on(func() { err = h.ctrl.SetRunning(true) })
	if err == nil {
		t.Fatal("SetRunning succeeded despite start failure")
	}
	if v := h.view(); v.Status != "Disconnected" {
		t.Errorf("Status = %q after failed start", v.Status)
	}
}

func TestRunningFollowsTransitions(t *testing.T) {
	h := newHarness(t, platform.StatusDisconnected, profile.Default())
	h.conn.AutoTransition = true
	h.initialize()

	h.on(func() {
		if err := h.ctrl.SetRunning(true); err != nil {
			t.Errorf("start: %v", err)
		}
	})
	if v := h.view(); !v.ToggleOn || v.Status != "Connected" {
		t.Errorf("after start view = %+v", v)
	}

	h.on(func() { h.ctrl.SetRunning(false) })
	if v := h.view(); v.ToggleOn || v.Status != "Disconnected" {
		t.Errorf("after stop view = %+v", v)
	}
}
