package transport

import (
	"sync"

	"github.com/trivago/nsxpcd/internal/xpcerr"
)

// NameService implements spec.md §1's assumed collaborator (b): "a
// process-global name service mapping string names to transport
// endpoints". Real deployments would back this with launchd/systemd
// socket activation; this in-process registry is the concrete stand-in,
// grounded on gollum's core.StreamRegistry (a name -> object registry
// guarded by a single mutex, looked up far more often than it's written).
type NameService struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewNameService returns an empty registry.
func NewNameService() *NameService {
	return &NameService{endpoints: make(map[string]Endpoint)}
}

// Register publishes name -> endpoint, overwriting any previous binding.
func (ns *NameService) Register(name string, ep Endpoint) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.endpoints[name] = ep
}

// Deregister removes a published name, if present.
func (ns *NameService) Deregister(name string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.endpoints, name)
}

// Resolve looks up a published service name.
func (ns *NameService) Resolve(name string) (Endpoint, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	ep, ok := ns.endpoints[name]
	if !ok {
		return Endpoint{}, xpcerr.NewConnectionInvalidError("nameservice: no endpoint registered for %q", name)
	}
	return ep, nil
}

// Default is the process-global instance, mirroring the "process-wide
// default connection" ambient-state pattern spec.md §9 calls out — but per
// that same design note it is an explicit value, not hidden global state:
// callers that want isolation construct their own NameService instead of
// using Default.
var Default = NewNameService()
