package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/async"
	"github.com/TONresistor/tonnet-tunnel/internal/controller"
	"github.com/TONresistor/tonnet-tunnel/internal/metrics"
	"github.com/TONresistor/tonnet-tunnel/internal/platform"
	"github.com/TONresistor/tonnet-tunnel/internal/profile"
	"github.com/TONresistor/tonnet-tunnel/internal/protocol"
	"github.com/TONresistor/tonnet-tunnel/internal/provider"
	"github.com/TONresistor/tonnet-tunnel/internal/runloop"
	"github.com/TONresistor/tonnet-tunnel/internal/signalgate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// session wires one profile to a live connection and controller
type session struct {
	logger  *zap.Logger
	loop    *runloop.Loop
	store   profile.Store
	cfg     profile.TunnelConfiguration
	conn    *platform.NetConnection
	channel *provider.Channel
	ctrl    *controller.Controller
	out     io.Writer
	loopErr chan error
}

func openSession(ctx context.Context, out io.Writer) (*session, error) {
	logger, err := createLogger()
	if err != nil {
		return nil, err
	}

	store, err := profile.NewStore(profile.Options{
		Path:        getStorePath(),
		RedisAddr:   redisAddr,
		RedisDB:     redisDB,
		RedisPrefix: redisPrefix,
	}, logger)
	if err != nil {
		return nil, err
	}

	cfg, err := loadProfile(ctx, store)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	codec, err := protocol.NewCodec(secret, protocol.DefaultMaxFrame)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	collector := metrics.NewCollector()
	loop := runloop.New(logger)
	conn := platform.NewNetConnection(platform.NetConfig{ServerAddress: cfg.ServerAddress}, codec, logger)
	channel := provider.NewChannel(conn, timeout, collector, logger)

	s := &session{
		logger:  logger,
		loop:    loop,
		store:   store,
		cfg:     cfg,
		conn:    conn,
		channel: channel,
		out:     out,
		loopErr: make(chan error, 1),
	}
	s.ctrl = controller.New(cfg, conn, store, channel, loop, controller.Options{
		StoreTimeout: timeout,
		StartOptions: platform.Options{"client": "tunnelctl/" + version},
	}, collector, logger)

	go func() { s.loopErr <- loop.Run(context.Background()) }()
	return s, nil
}

func loadProfile(ctx context.Context, store profile.Store) (profile.TunnelConfiguration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var f *async.Future[profile.TunnelConfiguration]
	if profileName == "" {
		f = profile.LoadOrCreate(ctx, store, profile.Default())
	} else {
		f = store.Load(ctx, profileName)
	}

	res, err := f.Await(ctx)
	if err != nil {
		return profile.TunnelConfiguration{}, err
	}
	if res.Err != nil {
		return profile.TunnelConfiguration{}, res.Err
	}
	if res.Absent {
		return profile.TunnelConfiguration{}, fmt.Errorf("profile %q not found", profileName)
	}
	return res.Value, nil
}

// call runs fn on the main loop and waits for it
func (s *session) call(ctx context.Context, fn func()) error {
	return s.loop.Call(ctx, fn)
}

func (s *session) close() {
	s.conn.StopTunnel()
	s.loop.Stop()
	<-s.loopErr
	closeStore(s.store)
	s.logger.Sync()
}

func closeStore(store profile.Store) {
	if c, ok := store.(io.Closer); ok {
		c.Close()
	}
}

// watchUntil returns a channel closed once the connection reports one of
// states
func (s *session) watchUntil(states ...platform.Status) (<-chan struct{}, platform.Subscription) {
	done := make(chan struct{})
	var once sync.Once
	sub := s.conn.Subscribe(s.loop, func(st platform.Status) {
		for _, want := range states {
			if st == want {
				once.Do(func() { close(done) })
				return
			}
		}
	})
	return done, sub
}

func (s *session) printView(v controller.View) {
	enabled := "disabled"
	if v.Enabled {
		enabled = "enabled"
	}
	fmt.Fprintf(s.out, "%s [%s]: %s\n", v.Title, enabled, v.Status)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Fprintf(s.out, "Profile:     %s\n", s.cfg.Name)
	fmt.Fprintf(s.out, "Description: %s\n", s.cfg.Description)
	fmt.Fprintf(s.out, "Server:      %s\n", s.cfg.ServerAddress)
	fmt.Fprintf(s.out, "Enabled:     %v\n", s.cfg.Enabled)
	fmt.Fprintf(s.out, "Status:      %s\n", s.conn.Status().Description())
	return nil
}

func runSetEnabled(cmd *cobra.Command, flag bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.close()

	var f *async.Future[controller.View]
	if err := s.call(ctx, func() { f = s.ctrl.SetEnabled(flag) }); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*timeout)
	defer cancel()
	res, err := f.Await(waitCtx)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return fmt.Errorf("could not update profile %s: %w", s.cfg.Name, res.Err)
	}
	s.printView(res.Value)
	return nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.close()

	ended, sub := s.watchUntil(platform.StatusDisconnected)
	defer sub.Cancel()

	gate := signalgate.New(s.loop, s.logger)
	disconnect := func(os.Signal) {
		if err := s.ctrl.SetRunning(false); err != nil {
			s.logger.Warn("stop failed", zap.Error(err))
		}
	}
	gate.Register(syscall.SIGINT, disconnect)
	gate.Register(syscall.SIGTERM, disconnect)
	gate.Start()
	defer gate.Close()

	var startErr error
	err = s.call(ctx, func() {
		s.ctrl.OnChange(s.printView)
		if err := s.ctrl.InitializeView(); err != nil {
			startErr = err
			return
		}
		startErr = s.ctrl.SetRunning(true)
	})
	if err != nil {
		return err
	}
	defer s.call(context.Background(), func() { s.ctrl.TeardownView() })
	if startErr != nil {
		return startErr
	}

	select {
	case <-ended:
	case <-ctx.Done():
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.close()

	up, upSub := s.watchUntil(platform.StatusConnected, platform.StatusDisconnected)
	defer upSub.Cancel()

	var startErr error
	if err := s.call(ctx, func() { startErr = s.ctrl.SetRunning(true) }); err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	select {
	case <-up:
	case <-ctx.Done():
		return ctx.Err()
	}
	if st := s.conn.Status(); st != platform.StatusConnected {
		return fmt.Errorf("could not connect to %s (%s)", s.cfg.ServerAddress, st.Description())
	}

	fut, err := s.channel.Send([]byte(args[0]))
	if err != nil {
		return err
	}
	res, err := fut.Await(ctx)
	if err != nil {
		return err
	}
	switch {
	case res.Err != nil:
		return res.Err
	case res.Absent:
		fmt.Fprintln(s.out, "no response")
	default:
		fmt.Fprintf(s.out, "response: %s\n", res.Value)
	}

	ended, endSub := s.watchUntil(platform.StatusDisconnected)
	defer endSub.Cancel()
	s.call(ctx, func() { s.ctrl.SetRunning(false) })
	select {
	case <-ended:
	case <-time.After(timeout):
		s.logger.Warn("tunnel did not report disconnect", zap.Duration("timeout", timeout))
	}
	return nil
}
