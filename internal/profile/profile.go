// Package profile persists named tunnel configurations. Every store
// operation completes asynchronously and reports through a future;
// failures wrap tunnelerr.ErrPersistence.
package profile

import (
	"context"
	"fmt"

	"github.com/TONresistor/tonnet-tunnel/internal/async"
	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
	"go.uber.org/zap"
)

// TunnelConfiguration is one named tunnel profile
type TunnelConfiguration struct {
	Name          string            `json:"name" yaml:"name"`
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	ServerAddress string            `json:"server_address" yaml:"server_address"`
	Description   string            `json:"description" yaml:"description"`
	Protocol      map[string]string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// Clone returns a deep copy
func (c TunnelConfiguration) Clone() TunnelConfiguration {
	out := c
	if c.Protocol != nil {
		out.Protocol = make(map[string]string, len(c.Protocol))
		for k, v := range c.Protocol {
			out.Protocol[k] = v
		}
	}
	return out
}

// Default is the profile created when none exists yet
func Default() TunnelConfiguration {
	return TunnelConfiguration{
		Name:          "demo",
		Enabled:       true,
		ServerAddress: "172.18.236.44:8882",
		Description:   "Demo VPN",
		Protocol:      map[string]string{},
	}
}

// Store persists configurations
type Store interface {
	// LoadAll returns every stored configuration, in store order
	LoadAll(ctx context.Context) *async.Future[[]TunnelConfiguration]
	// Load returns one configuration, or absent if none has that name
	Load(ctx context.Context, name string) *async.Future[TunnelConfiguration]
	Save(ctx context.Context, cfg TunnelConfiguration) *async.Future[struct{}]
}

// Options selects and configures a store backend
type Options struct {
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// NewStore creates a Redis-backed store when an address is given and a
// file store otherwise
func NewStore(opts Options, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RedisAddr != "" {
		logger.Info("profile store", zap.String("backend", "redis"), zap.String("addr", opts.RedisAddr))
		return NewRedisStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisPrefix)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: no profile file or redis address given", tunnelerr.ErrPersistence)
	}
	logger.Info("profile store", zap.String("backend", "file"), zap.String("path", opts.Path))
	return NewFileStore(opts.Path), nil
}

// LoadOrCreate returns the first stored configuration, creating one from
// defaults when the store is empty. The chosen configuration is enabled,
// saved and read back before it is returned.
func LoadOrCreate(ctx context.Context, store Store, defaults TunnelConfiguration) *async.Future[TunnelConfiguration] {
	return async.Then(store.LoadAll(ctx), func(all []TunnelConfiguration) *async.Future[TunnelConfiguration] {
		cfg := defaults.Clone()
		if len(all) > 0 {
			cfg = all[0].Clone()
			if cfg.Description == "" {
				cfg.Description = defaults.Description
			}
			if cfg.ServerAddress == "" {
				cfg.ServerAddress = defaults.ServerAddress
			}
		}
		cfg.Enabled = true

		return async.Then(store.Save(ctx, cfg), func(struct{}) *async.Future[TunnelConfiguration] {
			return Reload(ctx, store, cfg.Name)
		})
	})
}

// Reload reads a configuration that must exist; absent becomes an error
func Reload(ctx context.Context, store Store, name string) *async.Future[TunnelConfiguration] {
	out := async.New[TunnelConfiguration]()
	loaded := store.Load(ctx, name)
	go func() {
		<-loaded.Done()
		res, _ := loaded.Peek()
		switch {
		case res.Err != nil:
			out.Fail(res.Err)
		case res.Absent:
			out.Fail(fmt.Errorf("%w: configuration %q vanished", tunnelerr.ErrPersistence, name))
		default:
			out.Complete(res.Value)
		}
	}()
	return out
}

func validate(cfg TunnelConfiguration) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: configuration has no name", tunnelerr.ErrPersistence)
	}
	if cfg.ServerAddress != "" {
		if _, _, err := ParseServerAddress(cfg.ServerAddress); err != nil {
			return fmt.Errorf("%w: %s: %v", tunnelerr.ErrPersistence, cfg.Name, err)
		}
	}
	return nil
}
