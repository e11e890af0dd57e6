package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/openapigw/internal/util"
)

// roundRobin cycles over the instances of one service.
type roundRobin struct {
	instances []string
	current   atomic.Uint64
}

func (b *roundRobin) next() string {
	idx := b.current.Add(1) - 1
	return b.instances[idx%uint64(len(b.instances))]
}

// ServiceResolver maps logical service names to instance addresses.
type ServiceResolver struct {
	mu       sync.RWMutex
	services map[string]*roundRobin
}

// NewServiceResolver creates a resolver for services, a map from name to
// "host:port" or "scheme://host:port" instances.
func NewServiceResolver(services map[string][]string) *ServiceResolver {
	r := &ServiceResolver{}
	r.SetServices(services)
	return r
}

// SetServices replaces the service table. Services without instances are
// dropped.
func (r *ServiceResolver) SetServices(services map[string][]string) {
	table := make(map[string]*roundRobin, len(services))
	for name, instances := range services {
		if len(instances) == 0 {
			continue
		}
		table[name] = &roundRobin{instances: append([]string(nil), instances...)}
	}

	r.mu.Lock()
	r.services = table
	r.mu.Unlock()
}

// Known reports whether name is a configured service.
func (r *ServiceResolver) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[name]
	return ok
}

// Resolve returns the next instance of name.
func (r *ServiceResolver) Resolve(name string) (string, error) {
	r.mu.RLock()
	b, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("service %s has no instances: %w", name, util.ErrBackendUnavail)
	}
	return b.next(), nil
}
