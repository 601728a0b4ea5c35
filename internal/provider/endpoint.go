package provider

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/metrics"
	"github.com/TONresistor/tonnet-tunnel/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler answers provider messages inside the tunnel. Returning a nil
// reply and nil error answers absent.
type Handler interface {
	HandleMessage(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Echo replies with the payload it receives; an empty payload is answered
// absent.
func Echo() Handler {
	return HandlerFunc(func(_ context.Context, payload []byte) ([]byte, error) {
		if len(payload) == 0 {
			return nil, nil
		}
		return payload, nil
	})
}

// Endpoint serves tunnel sessions on accepted connections
type Endpoint struct {
	codec   *protocol.Codec
	handler Handler
	name    string
	timeout time.Duration
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewEndpoint creates an endpoint announcing itself as name. timeout bounds
// both the hello exchange and each handler call.
func NewEndpoint(codec *protocol.Codec, handler Handler, name string, timeout time.Duration, collector *metrics.Collector, logger *zap.Logger) *Endpoint {
	if handler == nil {
		handler = Echo()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Endpoint{
		codec:   codec,
		handler: handler,
		name:    name,
		timeout: timeout,
		metrics: collector,
		logger:  logger,
	}
}

// ServeConn runs one session until the peer disconnects or ctx is done
func (e *Endpoint) ServeConn(ctx context.Context, conn net.Conn) {
	logger := e.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	out := e.codec.NewWriter(conn, e.timeout)

	session, err := e.handshake(conn, out)
	if err != nil {
		logger.Debug("handshake failed", zap.Error(err))
		return
	}
	logger = logger.With(zap.String("session", session))
	logger.Info("tunnel session opened")

	// unblock the reader when the listener shuts down
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msg, err := e.codec.ReadMessage(conn)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("session read ended", zap.Error(err))
			}
			logger.Info("tunnel session closed")
			return
		}

		switch m := msg.(type) {
		case *protocol.ProviderMessage:
			e.handleProviderMessage(ctx, out, m, logger)
		case *protocol.Ping:
			e.reply(out, &protocol.Pong{Nonce: m.Nonce}, logger)
		case *protocol.Pong:
		default:
			e.reply(out, &protocol.Error{Code: protocol.CodeUnknownMessage, Message: "unexpected message"}, logger)
		}
	}
}

func (e *Endpoint) handshake(conn net.Conn, out *protocol.Writer) (string, error) {
	conn.SetReadDeadline(time.Now().Add(e.timeout))
	defer conn.SetReadDeadline(time.Time{})

	msg, err := e.codec.ReadMessage(conn)
	if err != nil {
		return "", err
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		out.WriteMessage(&protocol.Error{Code: protocol.CodeNotReady, Message: "expected hello"})
		return "", errors.New("first message was not hello")
	}
	if hello.Version != protocol.Version {
		out.WriteMessage(&protocol.Error{Code: protocol.CodeVersion, Message: "unsupported version"})
		return "", errors.New("unsupported protocol version")
	}

	ack := &protocol.HelloAck{SessionID: hello.SessionID, Version: protocol.Version, Server: e.name}
	if err := out.WriteMessage(ack); err != nil {
		return "", err
	}

	session := "unknown"
	if id, err := uuid.FromBytes(hello.SessionID); err == nil {
		session = id.String()
	}
	return session, nil
}

func (e *Endpoint) handleProviderMessage(ctx context.Context, out *protocol.Writer, m *protocol.ProviderMessage, logger *zap.Logger) {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.handler.HandleMessage(hctx, m.Payload)
	elapsed := time.Since(start).Seconds()

	switch {
	case err != nil:
		logger.Warn("provider handler failed", zap.Int64("query_id", m.QueryID), zap.Error(err))
		e.metrics.ProviderMessage("error", elapsed)
		e.reply(out, &protocol.Error{QueryID: m.QueryID, Code: protocol.CodeHandlerFailed, Message: err.Error()}, logger)
	case resp == nil:
		e.metrics.ProviderMessage("absent", elapsed)
		e.reply(out, &protocol.ProviderEmpty{QueryID: m.QueryID}, logger)
	default:
		e.metrics.ProviderMessage("value", elapsed)
		e.reply(out, &protocol.ProviderResponse{QueryID: m.QueryID, Payload: resp}, logger)
	}
}

// reply writes msg within the endpoint timeout
func (e *Endpoint) reply(out *protocol.Writer, msg any, logger *zap.Logger) {
	if err := out.WriteMessage(msg); err != nil {
		logger.Debug("failed to write reply", zap.Error(err))
	}
}
