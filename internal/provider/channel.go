// Package provider carries opaque messages between a controller and a
// running tunnel: Channel is the client side, Endpoint serves the tunnel
// side on accepted data-plane connections.
package provider

import (
	"fmt"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/async"
	"github.com/TONresistor/tonnet-tunnel/internal/metrics"
	"github.com/TONresistor/tonnet-tunnel/internal/platform"
	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
	"go.uber.org/zap"
)

// DefaultTimeout bounds how long a sent message waits for its reply
const DefaultTimeout = 10 * time.Second

// Channel sends provider messages over one connection
type Channel struct {
	conn    platform.Connection
	timeout time.Duration
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewChannel creates a channel. A zero timeout means DefaultTimeout.
func NewChannel(conn platform.Connection, timeout time.Duration, collector *metrics.Collector, logger *zap.Logger) *Channel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		conn:    conn,
		timeout: timeout,
		metrics: collector,
		logger:  logger,
	}
}

// Send delivers payload to the running tunnel. Delivery failures, including
// an Invalid connection, are returned synchronously as tunnelerr.ErrChannel
// and nothing is sent. Otherwise the returned future resolves exactly once:
// with the reply, absent when the peer replied without data, or
// tunnelerr.ErrChannelTimeout when no reply arrives in time.
func (c *Channel) Send(payload []byte) (*async.Future[[]byte], error) {
	if c.conn.Status() == platform.StatusInvalid {
		c.metrics.ProviderMessage("channel", -1)
		return nil, fmt.Errorf("%w: connection %s is invalid", tunnelerr.ErrChannel, c.conn.ID())
	}

	fut := async.New[[]byte]()
	start := time.Now()

	timer := time.AfterFunc(c.timeout, func() {
		err := fmt.Errorf("%w: no reply after %s", tunnelerr.ErrChannelTimeout, c.timeout)
		if fut.Fail(err) {
			c.metrics.ProviderMessage("timeout", -1)
			c.logger.Warn("provider message timed out", zap.Duration("timeout", c.timeout))
		}
	})

	err := c.conn.SendMessage(payload, func(resp []byte, err error) {
		timer.Stop()
		elapsed := time.Since(start).Seconds()

		switch {
		case err != nil:
			if fut.Fail(fmt.Errorf("%w: %v", tunnelerr.ErrChannel, err)) {
				c.metrics.ProviderMessage("channel", elapsed)
			}
		case resp == nil:
			if fut.CompleteAbsent() {
				c.metrics.ProviderMessage("absent", elapsed)
			}
		default:
			if fut.Complete(resp) {
				c.metrics.ProviderMessage("value", elapsed)
			}
		}
	})
	if err != nil {
		timer.Stop()
		c.metrics.ProviderMessage("channel", -1)
		return nil, fmt.Errorf("%w: %v", tunnelerr.ErrChannel, err)
	}

	c.logger.Debug("provider message sent", zap.Int("bytes", len(payload)))
	return fut, nil
}
