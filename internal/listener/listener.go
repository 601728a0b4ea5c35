// Package listener binds the tunnel endpoint, advertises it and hands
// accepted connections to the data plane.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/config"
	"github.com/TONresistor/tonnet-tunnel/internal/metrics"
	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
	"go.uber.org/zap"
)

// ConnHandler serves one accepted connection until ctx is cancelled or the
// peer goes away. The listener closes conn after ServeConn returns.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// ConnHandlerFunc adapts a function to ConnHandler
type ConnHandlerFunc func(ctx context.Context, conn net.Conn)

func (f ConnHandlerFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// Listener starts tunnel endpoints
type Listener struct {
	advertiser Advertiser
	handler    ConnHandler
	metrics    *metrics.Collector
	logger     *zap.Logger

	listen func(network, addr string) (net.Listener, error)
}

// New creates a listener. A nil advertiser disables advertisement.
func New(adv Advertiser, handler ConnHandler, collector *metrics.Collector, logger *zap.Logger) *Listener {
	if adv == nil {
		adv = NoopAdvertiser{}
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		advertiser: adv,
		handler:    handler,
		metrics:    collector,
		logger:     logger,
		listen:     net.Listen,
	}
}

// Start binds port on the configured address and advertises it. Any
// failure is fatal for the caller and wraps tunnelerr.ErrBind; nothing is
// left bound or published when Start fails.
func (l *Listener) Start(port int, cfg *config.Config) (*Handle, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", tunnelerr.ErrBind, port)
	}

	addr := net.JoinHostPort(cfg.Node.ListenAddr, strconv.Itoa(port))
	ln, err := l.listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", tunnelerr.ErrBind, addr, err)
	}

	var pub Publication = noopPublication{}
	if cfg.Service.Advertise {
		svc := Service{
			Instance: cfg.InstanceName(),
			Type:     cfg.Service.Type,
			Domain:   cfg.Service.Domain,
			Port:     port,
			TXT:      cfg.Service.TXT,
		}
		pub, err = l.advertiser.Publish(svc)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("%w: advertise: %v", tunnelerr.ErrBind, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		ln:       ln,
		pub:      pub,
		handler:  l.handler,
		maxConns: cfg.Node.MaxConnections,
		conns:    make(map[net.Conn]struct{}),
		metrics:  l.metrics,
		logger:   l.logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	h.wg.Add(1)
	go h.acceptLoop()

	l.metrics.SetListenerUp(true)
	l.logger.Info("tunnel listener started",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("advertised", cfg.Service.Advertise),
		zap.String("service", cfg.Service.Type),
	)
	return h, nil
}

// Handle is a running listener and its advertisement
type Handle struct {
	ln       net.Listener
	pub      Publication
	handler  ConnHandler
	maxConns int

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	metrics *metrics.Collector
	logger  *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// Addr returns the bound address
func (h *Handle) Addr() net.Addr {
	return h.ln.Addr()
}

// Done is closed once Stop has finished tearing everything down
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stop unpublishes the service and releases the endpoint. It may be called
// any number of times from any goroutine; only the first call does work and
// later calls wait for it to finish. Teardown errors are logged, not returned.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		defer close(h.done)

		if err := h.pub.Unpublish(); err != nil {
			h.logger.Warn("failed to unpublish service", zap.Error(err))
		}

		h.cancel()
		if err := h.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			h.logger.Warn("failed to close listener", zap.Error(err))
		}

		h.mu.Lock()
		for conn := range h.conns {
			conn.Close()
		}
		h.mu.Unlock()

		h.wg.Wait()
		h.metrics.ListenerStopped()
		h.logger.Info("tunnel listener stopped")
	})
	<-h.done
}

func (h *Handle) acceptLoop() {
	defer h.wg.Done()

	for {
		conn, err := h.ln.Accept()
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			h.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if h.ctx.Err() != nil {
			conn.Close()
			return
		}
		if !h.track(conn) {
			h.logger.Warn("connection limit reached, dropping",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("max", h.maxConns),
			)
			conn.Close()
			continue
		}

		h.wg.Add(1)
		go h.serve(conn)
	}
}

func (h *Handle) track(conn net.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctx.Err() != nil {
		return false
	}
	if h.maxConns > 0 && len(h.conns) >= h.maxConns {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *Handle) serve(conn net.Conn) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
		h.metrics.DecrConnections()
	}()

	h.metrics.IncrConnections()
	h.logger.Debug("connection accepted", zap.String("remote", conn.RemoteAddr().String()))

	if h.handler == nil {
		return
	}
	h.handler.ServeConn(h.ctx, conn)
}
