package network

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jelmer/ctrlproxy/internal/irc"
)

var (
	// ErrDuplicateVirtual is returned when a virtual network name is registered twice
	ErrDuplicateVirtual = errors.New("network: virtual network already registered")
	// ErrUnknownVirtual is returned when a network names an unregistered implementation
	ErrUnknownVirtual = errors.New("network: unknown virtual network")
)

// Virtual is an in-process network. Init is called on connect; lines
// clients send to the network are handed to HandleLine. The
// implementation talks back through Network.Inject.
type Virtual interface {
	Init(n *Network) error
	HandleLine(n *Network, l *irc.Line) error
	Fini(n *Network)
}

// VirtualFactory creates a fresh implementation per connection
type VirtualFactory func() Virtual

// VirtualRegistry maps implementation names to factories. One registry is
// built at startup and passed to every network.
type VirtualRegistry struct {
	mu        sync.RWMutex
	factories map[string]VirtualFactory
}

// NewVirtualRegistry returns a registry with the built-in implementations
func NewVirtualRegistry() *VirtualRegistry {
	r := &VirtualRegistry{factories: make(map[string]VirtualFactory)}
	r.Register(LoopbackName, func() Virtual { return &Loopback{} })
	return r
}

// Register adds a factory under name
func (r *VirtualRegistry) Register(name string, f VirtualFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateVirtual, name)
	}
	r.factories[name] = f
	return nil
}

// New instantiates the implementation registered under name
func (r *VirtualRegistry) New(name string) (Virtual, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVirtual, name)
	}
	return f(), nil
}

// Names lists the registered implementations
func (r *VirtualRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
