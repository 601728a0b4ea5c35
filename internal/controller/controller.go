// Package controller drives one named tunnel configuration from the client
// side: it toggles the configuration's enabled flag through the profile
// store, starts and stops the platform connection and keeps a UI-facing
// View in step with connection-state notifications.
//
// A Controller is confined to the main loop. Every exported method must be
// called from a callback running on that loop, and every asynchronous
// completion the controller waits on is delivered back onto it, so the
// View and the last persisted configuration need no locking.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/async"
	"github.com/TONresistor/tonnet-tunnel/internal/metrics"
	"github.com/TONresistor/tonnet-tunnel/internal/platform"
	"github.com/TONresistor/tonnet-tunnel/internal/profile"
	"github.com/TONresistor/tonnet-tunnel/internal/provider"
	"github.com/TONresistor/tonnet-tunnel/internal/runloop"
	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
	"go.uber.org/zap"
)

var (
	ErrAlreadyInitialized = errors.New("view already initialized")
	ErrNotInitialized     = errors.New("view not initialized")
	ErrControlDisabled    = errors.New("start/stop control is disabled")
)

// Greeting is sent to the provider whenever a view becomes active
var Greeting = []byte("Hello Provider")

// View is the UI-facing state
type View struct {
	Title         string
	Status        string
	Enabled       bool
	ToggleOn      bool
	ToggleEnabled bool
}

// Options tunes a Controller
type Options struct {
	// StoreTimeout bounds each save/reload round trip
	StoreTimeout time.Duration
	// StartOptions are passed to the platform on start
	StartOptions platform.Options
	// OnProviderResponse, when set, receives the greeting reply on the loop
	OnProviderResponse func(async.Result[[]byte])
}

// Controller owns the UI state for one configuration. It observes the
// platform connection but never owns it.
type Controller struct {
	conn    platform.Connection
	store   profile.Store
	channel *provider.Channel
	queue   runloop.Queue
	opts    Options
	metrics *metrics.Collector
	logger  *zap.Logger

	cfg  profile.TunnelConfiguration // last persisted value
	view View
	sub  platform.Subscription

	onChange  func(View)
	enableGen uint64
}

// New creates a controller for cfg, which must be the persisted value
func New(cfg profile.TunnelConfiguration, conn platform.Connection, store profile.Store, channel *provider.Channel, queue runloop.Queue, opts Options, collector *metrics.Collector, logger *zap.Logger) *Controller {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		conn:    conn,
		store:   store,
		channel: channel,
		queue:   queue,
		opts:    opts,
		metrics: collector,
		logger:  logger.With(zap.String("profile", cfg.Name), zap.String("connection", conn.ID())),
		cfg:     cfg.Clone(),
		view: View{
			Title:         cfg.Description,
			Enabled:       cfg.Enabled,
			ToggleEnabled: cfg.Enabled,
		},
	}
}

// OnChange registers fn to receive the View after every change
func (c *Controller) OnChange(fn func(View)) {
	c.onChange = fn
}

// View returns the current UI state
func (c *Controller) View() View {
	return c.view
}

// Configuration returns the last persisted configuration
func (c *Controller) Configuration() profile.TunnelConfiguration {
	return c.cfg.Clone()
}

func (c *Controller) publish() {
	if c.onChange != nil {
		c.onChange(c.view)
	}
}

// InitializeView loads the enabled flag and current state into the View,
// subscribes to state changes of this controller's connection and, unless
// the connection is Invalid, sends the greeting to the provider. Provider
// failures are logged only. Must be paired with TeardownView.
func (c *Controller) InitializeView() error {
	if c.sub != nil {
		return ErrAlreadyInitialized
	}

	status := c.conn.Status()
	c.view.Enabled = c.cfg.Enabled
	c.view.ToggleOn = !status.CanStart()
	c.view.Status = status.Description()
	c.view.Title = c.cfg.Description
	c.view.ToggleEnabled = c.view.Enabled

	c.sub = c.conn.Subscribe(c.queue, c.OnStateChanged)
	c.publish()

	if status != platform.StatusInvalid && c.channel != nil {
		c.greet()
	}
	return nil
}

func (c *Controller) greet() {
	fut, err := c.channel.Send(Greeting)
	if err != nil {
		c.logger.Warn("failed to send a message to the provider", zap.Error(err))
		return
	}
	fut.Deliver(c.queue, func(res async.Result[[]byte]) {
		switch {
		case res.Err != nil:
			c.logger.Warn("provider message failed", zap.Error(res.Err), zap.String("kind", tunnelerr.Kind(res.Err)))
		case res.Absent:
			c.logger.Info("got a nil response from the provider")
		default:
			c.logger.Info("received response from the provider", zap.ByteString("response", res.Value))
		}
		if c.opts.OnProviderResponse != nil {
			c.opts.OnProviderResponse(res)
		}
	})
}

// TeardownView releases the state-change subscription
func (c *Controller) TeardownView() error {
	if c.sub == nil {
		return ErrNotInitialized
	}
	c.sub.Cancel()
	c.sub = nil
	return nil
}

// SetEnabled persists the enabled flag and reloads it to confirm. The
// returned future resolves on the loop once the View reflects the outcome.
// If the save fails the View falls back to the last persisted value and
// the start/stop control is disabled; the same happens when the save
// succeeds but the reload does not.
func (c *Controller) SetEnabled(flag bool) *async.Future[View] {
	done := async.New[View]()

	c.enableGen++
	gen := c.enableGen

	next := c.cfg.Clone()
	next.Enabled = flag
	c.view.Enabled = flag
	c.publish()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StoreTimeout)
	c.store.Save(ctx, next).Deliver(c.queue, func(res async.Result[struct{}]) {
		if res.Err != nil {
			cancel()
			c.metrics.PersistenceFailed("save")
			c.logger.Warn("failed to save configuration", zap.Bool("enabled", flag), zap.Error(res.Err))
			if gen == c.enableGen {
				c.view.Enabled = c.cfg.Enabled
				c.view.ToggleEnabled = false
				c.publish()
			}
			done.Fail(res.Err)
			return
		}

		c.cfg = next
		c.store.Load(ctx, next.Name).Deliver(c.queue, func(res async.Result[profile.TunnelConfiguration]) {
			defer cancel()

			err := res.Err
			if err == nil && res.Absent {
				err = fmt.Errorf("%w: configuration %q missing after save", tunnelerr.ErrPersistence, next.Name)
			}
			if err != nil {
				c.metrics.PersistenceFailed("reload")
				c.logger.Warn("failed to reload configuration", zap.Error(err))
				if gen == c.enableGen {
					c.view.Enabled = c.cfg.Enabled
					c.view.ToggleEnabled = false
					c.publish()
				}
				done.Fail(err)
				return
			}

			c.cfg = res.Value.Clone()
			if gen == c.enableGen {
				c.view.Enabled = c.cfg.Enabled
				c.view.ToggleEnabled = c.cfg.Enabled
				c.view.Title = c.cfg.Description
				c.publish()
			}
			done.Complete(c.view)
		})
	})
	return done
}

// SetRunning requests a start when flag is true and the connection is
// Disconnected or Invalid, and a stop when flag is false. The View is not
// changed here; the next state notification corrects the toggle.
func (c *Controller) SetRunning(flag bool) error {
	if !flag {
		c.logger.Info("stopping tunnel")
		c.conn.StopTunnel()
		return nil
	}

	if !c.view.ToggleEnabled {
		return ErrControlDisabled
	}
	status := c.conn.Status()
	if !status.CanStart() {
		c.logger.Debug("start ignored", zap.String("status", status.String()))
		return nil
	}

	c.logger.Info("starting tunnel", zap.String("server", c.cfg.ServerAddress))
	if err := c.conn.StartTunnel(c.opts.StartOptions); err != nil {
		c.logger.Warn("failed to start the tunnel", zap.Error(err))
		return fmt.Errorf("start tunnel: %w", err)
	}
	return nil
}

// OnStateChanged recomputes the status text and toggle from a state
// notification
func (c *Controller) OnStateChanged(status platform.Status) {
	c.metrics.StateChanged(int(status), status.String())
	c.view.Status = status.Description()
	c.view.ToggleOn = status.ShowsRunning()
	c.logger.Debug("connection state changed", zap.String("status", status.String()))
	c.publish()
}
