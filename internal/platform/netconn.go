package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/protocol"
	"github.com/TONresistor/tonnet-tunnel/internal/runloop"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// NetConfig configures a NetConnection
type NetConfig struct {
	ServerAddress    string
	ClientName       string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write on an established session
	WriteTimeout time.Duration
	KeepAlive    time.Duration
	// MaxRedials bounds reconnect attempts after a lost session
	MaxRedials int
	// RedialEvery paces reconnect attempts
	RedialEvery time.Duration
}

func (c *NetConfig) setDefaults() {
	if c.ClientName == "" {
		c.ClientName = "tunnelctl"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 15 * time.Second
	}
	if c.MaxRedials == 0 {
		c.MaxRedials = 5
	}
	if c.RedialEvery == 0 {
		c.RedialEvery = time.Second
	}
}

// NetConnection is the production Connection: a session with a tunnel
// server speaking length-prefixed TL frames over TCP.
type NetConnection struct {
	id     string
	cfg    NetConfig
	codec  *protocol.Codec
	logger *zap.Logger
	obs    observers

	limiter *rate.Limiter
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)

	mu        sync.Mutex
	status    Status
	conn      net.Conn
	out       *protocol.Writer
	cancel    context.CancelFunc
	pending   map[int64]ResponseFunc
	nextQuery int64
}

// NewNetConnection creates a disconnected connection. Without a server
// address the connection is Invalid and cannot be started.
func NewNetConnection(cfg NetConfig, codec *protocol.Codec, logger *zap.Logger) *NetConnection {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	status := StatusDisconnected
	if cfg.ServerAddress == "" {
		status = StatusInvalid
	}

	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return &NetConnection{
		id:      uuid.NewString(),
		cfg:     cfg,
		codec:   codec,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(cfg.RedialEvery), 1),
		dial:    d.DialContext,
		status:  status,
		pending: make(map[int64]ResponseFunc),
	}
}

func (c *NetConnection) ID() string { return c.id }

func (c *NetConnection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *NetConnection) Subscribe(q runloop.Queue, fn func(Status)) Subscription {
	return c.obs.add(q, fn)
}

// setStatusLocked must be called with c.mu held
func (c *NetConnection) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.logger.Debug("connection status changed",
		zap.String("from", c.status.String()),
		zap.String("to", s.String()),
	)
	c.status = s
	c.obs.notify(s)
}

// StartTunnel begins connecting in the background. It is a no-op while a
// session is already being established or running.
func (c *NetConnection) StartTunnel(opts Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.ServerAddress == "" {
		return ErrNoServer
	}
	if !c.status.CanStart() {
		return nil
	}

	name := c.cfg.ClientName
	if v, ok := opts["client"]; ok && v != "" {
		name = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStatusLocked(StatusConnecting)

	go c.run(ctx, name)
	return nil
}

// StopTunnel tears the session down
func (c *NetConnection) StopTunnel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return
	}
	c.setStatusLocked(StatusDisconnecting)
	c.cancel()
	c.cancel = nil
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *NetConnection) SendMessage(payload []byte, onResponse ResponseFunc) error {
	c.mu.Lock()
	if c.status != StatusConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextQuery++
	id := c.nextQuery
	c.pending[id] = onResponse
	out := c.out
	c.mu.Unlock()

	msg := &protocol.ProviderMessage{QueryID: id, Payload: payload}
	if err := out.WriteMessage(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("write provider message: %w", err)
	}
	return nil
}

// run owns the session: connect, read until lost, redial while allowed
func (c *NetConnection) run(ctx context.Context, name string) {
	defer func() {
		c.mu.Lock()
		c.conn, c.out = nil, nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.failPendingLocked(ErrNotConnected)
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
	}()

	if err := c.connect(ctx, name); err != nil {
		c.logger.Warn("tunnel connect failed", zap.String("server", c.cfg.ServerAddress), zap.Error(err))
		return
	}

	for {
		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("tunnel session lost", zap.Error(err))

		c.mu.Lock()
		c.conn, c.out = nil, nil
		c.failPendingLocked(ErrNotConnected)
		c.setStatusLocked(StatusReasserting)
		c.mu.Unlock()

		if !c.redial(ctx, name) {
			return
		}
	}
}

func (c *NetConnection) redial(ctx context.Context, name string) bool {
	for attempt := 1; attempt <= c.cfg.MaxRedials; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return false
		}
		err := c.connect(ctx, name)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Debug("redial failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return false
}

// connect dials and performs the hello exchange
func (c *NetConnection) connect(ctx context.Context, name string) error {
	conn, err := c.dial(ctx, "tcp", c.cfg.ServerAddress)
	if err != nil {
		return err
	}

	sid := uuid.New()
	out := c.codec.NewWriter(conn, c.cfg.WriteTimeout)
	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	hello := &protocol.Hello{SessionID: sid[:], Version: protocol.Version, Client: name}
	if err := out.WriteMessage(hello); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	msg, err := c.codec.ReadMessage(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read hello ack: %w", err)
	}
	switch m := msg.(type) {
	case *protocol.HelloAck:
		if string(m.SessionID) != string(sid[:]) {
			conn.Close()
			return errors.New("hello ack for a different session")
		}
		c.logger.Info("tunnel session established",
			zap.String("server", m.Server),
			zap.String("session", sid.String()),
		)
	case *protocol.Error:
		conn.Close()
		return m
	default:
		conn.Close()
		return fmt.Errorf("unexpected %T during handshake", msg)
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		conn.Close()
		return ctx.Err()
	}
	c.conn, c.out = conn, out
	c.setStatusLocked(StatusConnected)
	return nil
}

func (c *NetConnection) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn, out := c.conn, c.out
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	stop := make(chan struct{})
	defer close(stop)
	go c.keepAlive(ctx, conn, out, stop)

	for {
		msg, err := c.codec.ReadMessage(conn)
		if err != nil {
			conn.Close()
			return err
		}

		switch m := msg.(type) {
		case *protocol.ProviderResponse:
			payload := m.Payload
			if payload == nil {
				payload = []byte{}
			}
			c.resolve(m.QueryID, payload, nil)
		case *protocol.ProviderEmpty:
			c.resolve(m.QueryID, nil, nil)
		case *protocol.Error:
			if m.QueryID == 0 {
				conn.Close()
				return m
			}
			c.resolve(m.QueryID, nil, m)
		case *protocol.Ping:
			out.WriteMessage(&protocol.Pong{Nonce: m.Nonce})
		case *protocol.Pong:
		default:
			c.logger.Debug("ignoring unexpected message", zap.String("type", fmt.Sprintf("%T", msg)))
		}
	}
}

func (c *NetConnection) keepAlive(ctx context.Context, conn net.Conn, out *protocol.Writer, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()

	var nonce int64
	for {
		select {
		case <-ticker.C:
			nonce++
			if err := out.WriteMessage(&protocol.Ping{Nonce: nonce}); err != nil {
				conn.Close()
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *NetConnection) resolve(id int64, payload []byte, err error) {
	c.mu.Lock()
	fn, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown query", zap.Int64("query_id", id))
		return
	}
	fn(payload, err)
}

func (c *NetConnection) failPendingLocked(err error) {
	for id, fn := range c.pending {
		delete(c.pending, id)
		go fn(nil, err)
	}
}
