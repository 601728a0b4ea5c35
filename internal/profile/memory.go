package profile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/async"
	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
)

// MemoryStore keeps profiles in memory. Failures and latency can be
// injected to exercise callers' error paths.
type MemoryStore struct {
	mu       sync.Mutex
	profiles []TunnelConfiguration
	saves    int

	// SaveErr fails every Save when set
	SaveErr error
	// LoadErr fails every Load and LoadAll when set
	LoadErr error
	// Delay is applied before each operation completes
	Delay time.Duration
}

func NewMemoryStore(initial ...TunnelConfiguration) *MemoryStore {
	m := &MemoryStore{}
	for _, cfg := range initial {
		m.profiles = append(m.profiles, cfg.Clone())
	}
	return m
}

// SetSaveErr changes the injected save failure
func (m *MemoryStore) SetSaveErr(err error) {
	m.mu.Lock()
	m.SaveErr = err
	m.mu.Unlock()
}

// SetLoadErr changes the injected load failure
func (m *MemoryStore) SetLoadErr(err error) {
	m.mu.Lock()
	m.LoadErr = err
	m.mu.Unlock()
}

// Saves returns the number of successful saves
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Get returns the persisted copy of name, bypassing futures
func (m *MemoryStore) Get(name string) (TunnelConfiguration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if p.Name == name {
			return p.Clone(), true
		}
	}
	return TunnelConfiguration{}, false
}

func (m *MemoryStore) wait(ctx context.Context) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", tunnelerr.ErrPersistence, err)
	}
	return nil
}

func (m *MemoryStore) LoadAll(ctx context.Context) *async.Future[[]TunnelConfiguration] {
	f := async.New[[]TunnelConfiguration]()
	go func() {
		if err := m.wait(ctx); err != nil {
			f.Fail(err)
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.LoadErr != nil {
			f.Fail(fmt.Errorf("%w: %v", tunnelerr.ErrPersistence, m.LoadErr))
			return
		}
		out := make([]TunnelConfiguration, len(m.profiles))
		for i, p := range m.profiles {
			out[i] = p.Clone()
		}
		f.Complete(out)
	}()
	return f
}

func (m *MemoryStore) Load(ctx context.Context, name string) *async.Future[TunnelConfiguration] {
	f := async.New[TunnelConfiguration]()
	go func() {
		if err := m.wait(ctx); err != nil {
			f.Fail(err)
			return
		}
		m.mu.Lock()
		loadErr := m.LoadErr
		m.mu.Unlock()
		if loadErr != nil {
			f.Fail(fmt.Errorf("%w: %v", tunnelerr.ErrPersistence, loadErr))
			return
		}
		if cfg, ok := m.Get(name); ok {
			f.Complete(cfg)
			return
		}
		f.CompleteAbsent()
	}()
	return f
}

func (m *MemoryStore) Save(ctx context.Context, cfg TunnelConfiguration) *async.Future[struct{}] {
	if err := validate(cfg); err != nil {
		return async.Failed[struct{}](err)
	}

	f := async.New[struct{}]()
	go func() {
		if err := m.wait(ctx); err != nil {
			f.Fail(err)
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.SaveErr != nil {
			f.Fail(fmt.Errorf("%w: %v", tunnelerr.ErrPersistence, m.SaveErr))
			return
		}
		for i := range m.profiles {
			if m.profiles[i].Name == cfg.Name {
				m.profiles[i] = cfg.Clone()
				m.saves++
				f.Complete(struct{}{})
				return
			}
		}
		m.profiles = append(m.profiles, cfg.Clone())
		m.saves++
		f.Complete(struct{}{})
	}()
	return f
}
