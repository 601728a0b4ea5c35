package listener

import (
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Service is one advertised endpoint
type Service struct {
	Instance string
	Type     string
	Domain   string
	Port     int
	TXT      []string
}

// Publication is a live advertisement
type Publication interface {
	Unpublish() error
}

// Advertiser publishes services on the local network
type Advertiser interface {
	Publish(svc Service) (Publication, error)
}

// ZeroconfAdvertiser announces services over multicast DNS
type ZeroconfAdvertiser struct {
	// Interfaces limits the announcement; nil means all multicast interfaces
	Interfaces []net.Interface
}

func (z ZeroconfAdvertiser) Publish(svc Service) (Publication, error) {
	srv, err := zeroconf.Register(svc.Instance, svc.Type, svc.Domain, svc.Port, svc.TXT, z.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("mdns register %s.%s: %w", svc.Instance, svc.Type, err)
	}
	return zeroconfPublication{srv}, nil
}

type zeroconfPublication struct {
	srv *zeroconf.Server
}

func (p zeroconfPublication) Unpublish() error {
	p.srv.Shutdown()
	return nil
}

// NoopAdvertiser publishes nothing. Used when advertisement is switched off.
type NoopAdvertiser struct{}

func (NoopAdvertiser) Publish(Service) (Publication, error) {
	return noopPublication{}, nil
}

type noopPublication struct{}

func (noopPublication) Unpublish() error { return nil }

// MemoryAdvertiser keeps publications in memory so callers can observe what
// is currently advertised.
type MemoryAdvertiser struct {
	mu        sync.Mutex
	published map[string]Service
	next      int

	// PublishErr, when set, makes Publish fail
	PublishErr error
	// UnpublishErr, when set, is returned by every Unpublish
	UnpublishErr error

	unpublished int
}

func NewMemoryAdvertiser() *MemoryAdvertiser {
	return &MemoryAdvertiser{published: make(map[string]Service)}
}

func (m *MemoryAdvertiser) Publish(svc Service) (Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return nil, m.PublishErr
	}
	m.next++
	key := fmt.Sprintf("%d/%s.%s", m.next, svc.Instance, svc.Type)
	m.published[key] = svc
	return &memoryPublication{owner: m, key: key}, nil
}

// Published returns the services currently advertised
func (m *MemoryAdvertiser) Published() []Service {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Service, 0, len(m.published))
	for _, svc := range m.published {
		out = append(out, svc)
	}
	return out
}

// Unpublished returns how many times a publication was withdrawn
func (m *MemoryAdvertiser) Unpublished() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unpublished
}

type memoryPublication struct {
	owner *MemoryAdvertiser
	key   string
}

func (p *memoryPublication) Unpublish() error {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()

	delete(p.owner.published, p.key)
	p.owner.unpublished++
	return p.owner.UnpublishErr
}
