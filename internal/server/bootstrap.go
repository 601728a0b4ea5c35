// Package server runs the tunnel server process: it parses the startup
// arguments, loads the configuration, starts the listener and turns SIGINT
// and SIGTERM into a single listener stop on the main loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/config"
	"github.com/TONresistor/tonnet-tunnel/internal/listener"
	"github.com/TONresistor/tonnet-tunnel/internal/metrics"
	"github.com/TONresistor/tonnet-tunnel/internal/protocol"
	"github.com/TONresistor/tonnet-tunnel/internal/provider"
	"github.com/TONresistor/tonnet-tunnel/internal/runloop"
	"github.com/TONresistor/tonnet-tunnel/internal/signalgate"
	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// ErrReused is returned when Run is called on a bootstrap that already ran
var ErrReused = errors.New("bootstrap already ran")

// Options adjusts a Bootstrap. Zero values keep the configuration file's
// settings.
type Options struct {
	// ExitOnStop tears the main loop down once the listener stops. By
	// default the loop keeps running until the caller's context is done.
	ExitOnStop bool
	// LogLevel, when set, takes the configuration file's logging level
	LogLevel *zap.AtomicLevel
	// NoAdvertise disables service advertisement
	NoAdvertise bool
	// MetricsAddr enables the metrics server on this address
	MetricsAddr string
	// Advertiser publishes the service; defaults to zeroconf
	Advertiser listener.Advertiser
	// Handler serves accepted connections; defaults to an echo endpoint
	Handler listener.ConnHandler
}

// Bootstrap is one run of the server process
type Bootstrap struct {
	opts    Options
	metrics *metrics.Collector
	logger  *zap.Logger

	loop *runloop.Loop
	gate *signalgate.Gate

	start func(port int, cfg *config.Config) (*listener.Handle, error)

	mu      sync.Mutex
	ran     bool
	handle  *listener.Handle
	stops   int
	once    sync.Once
	ready   chan struct{}
	stopped chan struct{}
}

// New creates a bootstrap. The collector and logger may be nil.
func New(opts Options, collector *metrics.Collector, logger *zap.Logger) *Bootstrap {
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loop := runloop.New(logger)
	b := &Bootstrap{
		opts:    opts,
		metrics: collector,
		logger:  logger,
		loop:    loop,
		gate:    signalgate.New(loop, logger),
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
	b.start = b.startListener
	return b
}

// ParsePort parses a decimal port number in [1, 65535]
func ParsePort(token string) (int, error) {
	n, err := strconv.ParseUint(token, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: invalid port %q", tunnelerr.ErrUsage, token)
	}
	return int(n), nil
}

// Ready is closed once the listener is up and signals are handled
func (b *Bootstrap) Ready() <-chan struct{} {
	return b.ready
}

// Stopped is closed once the listener has been stopped. The process keeps
// running until Run returns.
func (b *Bootstrap) Stopped() <-chan struct{} {
	return b.stopped
}

// Addr returns the listener address, or nil before Ready
func (b *Bootstrap) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == nil {
		return nil
	}
	return b.handle.Addr()
}

// Stops returns how many times the shutdown action actually stopped the
// listener
func (b *Bootstrap) Stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

// Run executes the startup sequence for args (<port> <config-file>) and
// then blocks on the main loop. Startup failures are returned before
// anything is bound: tunnelerr.ErrUsage for bad arguments,
// tunnelerr.ErrConfig for an unusable configuration file and
// tunnelerr.ErrBind when the listener cannot start.
func (b *Bootstrap) Run(ctx context.Context, args []string) error {
	b.mu.Lock()
	if b.ran {
		b.mu.Unlock()
		return ErrReused
	}
	b.ran = true
	b.mu.Unlock()

	if len(args) != 2 {
		return fmt.Errorf("%w: expected <port> <config-file>, got %d arguments", tunnelerr.ErrUsage, len(args))
	}

	cfg, err := config.Load(args[1])
	if err != nil {
		return err
	}
	port, err := ParsePort(args[0])
	if err != nil {
		return err
	}
	b.applyOverrides(cfg)
	b.applyLogLevel(cfg)

	handle, err := b.start(port, cfg)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.handle = handle
	b.mu.Unlock()

	shutdown := func(sig os.Signal) {
		b.metrics.SignalReceived(sig.String())
		b.shutdown()
	}
	b.gate.Register(syscall.SIGINT, shutdown)
	b.gate.Register(syscall.SIGTERM, shutdown)
	b.gate.Start()
	defer b.gate.Close()

	close(b.ready)
	b.logger.Info("tunnel server running",
		zap.String("addr", handle.Addr().String()),
		zap.Bool("exit_on_stop", b.opts.ExitOnStop),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		err := b.loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			b.serveMetrics(gctx, cfg.Metrics)
			return nil
		})
	}

	if b.opts.ExitOnStop {
		g.Go(func() error {
			select {
			case <-b.stopped:
				b.logger.Info("listener stopped, tearing down main loop")
				b.loop.Stop()
			case <-gctx.Done():
			}
			return nil
		})
	}

	err = g.Wait()

	// host teardown without a signal still releases the endpoint
	b.shutdown()
	return err
}

// Shutdown requests the same stop a signal would. Safe to call from any
// goroutine.
func (b *Bootstrap) Shutdown() {
	if !b.loop.Post(b.shutdown) {
		b.shutdown()
	}
}

// shutdown stops the listener once
func (b *Bootstrap) shutdown() {
	b.once.Do(func() {
		b.mu.Lock()
		h := b.handle
		b.mu.Unlock()
		if h == nil {
			close(b.stopped)
			return
		}

		b.logger.Info("stopping tunnel listener")
		h.Stop()

		b.mu.Lock()
		b.stops++
		b.mu.Unlock()
		close(b.stopped)
	})
}

func (b *Bootstrap) applyOverrides(cfg *config.Config) {
	if b.opts.NoAdvertise {
		cfg.Service.Advertise = false
	}
	if b.opts.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = b.opts.MetricsAddr
	}
}

func (b *Bootstrap) applyLogLevel(cfg *config.Config) {
	if b.opts.LogLevel == nil || cfg.Logging.Level == "" {
		return
	}
	lvl, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		b.logger.Warn("ignoring log level", zap.String("level", cfg.Logging.Level), zap.Error(err))
		return
	}
	b.opts.LogLevel.SetLevel(lvl)
	b.logger.Debug("log level set from config", zap.String("level", lvl.String()))
}

func (b *Bootstrap) startListener(port int, cfg *config.Config) (*listener.Handle, error) {
	handler := b.opts.Handler
	if handler == nil {
		codec, err := protocol.NewCodec(cfg.Provider.Secret, cfg.Provider.MaxFrameSize)
		if err != nil {
			return nil, fmt.Errorf("provider codec: %w", err)
		}
		handler = provider.NewEndpoint(codec, provider.Echo(), cfg.InstanceName(), cfg.Provider.Timeout(), b.metrics, b.logger)
	}

	adv := b.opts.Advertiser
	if adv == nil {
		adv = listener.ZeroconfAdvertiser{}
	}
	return listener.New(adv, handler, b.metrics, b.logger).Start(port, cfg)
}

// serveMetrics runs the Prometheus endpoint until ctx is done
func (b *Bootstrap) serveMetrics(ctx context.Context, cfg config.MetricsConfig) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, b.metrics.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	b.logger.Info("metrics server started", zap.String("addr", cfg.Addr), zap.String("path", cfg.Path))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		b.logger.Error("metrics server error", zap.Error(err))
	}
}
