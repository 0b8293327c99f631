// Package devicekind resolves a kind-tagged device configuration record
// into a constructed device.Device, so each kind's constructor sits behind a
// registered Factory. internal/service still switches on the kind to pick
// and convert the record's option block before calling Build.
//
// Adapted from pkg/plugin.Registry's name-to-factory map, trimmed of the
// priority-override mechanism that system needed to let a private plugin
// replace a public one at the same name: device kinds here are fixed and
// singular, so last-registration-wins is enough.
package devicekind

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"pvloadctl/internal/bus"
	"pvloadctl/internal/clock"
	"pvloadctl/internal/device"
)

// Factory builds one device.Device from its raw per-kind configuration. The
// raw value is the device Config value internal/service builds from that
// record's option block (a boolean.Config, climate.Config, etc).
type Factory func(raw interface{}, busClient bus.Client, clk clock.Clock, logger *zap.Logger) (device.Device, error)

// Registry maps a kind tag to the Factory that constructs it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a kind tag to a Factory. A later call for the same kind
// replaces the earlier one.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Build resolves kind to its Factory and constructs a device from raw.
func (r *Registry) Build(kind string, raw interface{}, busClient bus.Client, clk clock.Clock, logger *zap.Logger) (device.Device, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("devicekind: no factory registered for kind %q", kind)
	}
	return factory(raw, busClient, clk, logger)
}

// Kinds returns every registered kind tag, for diagnostics.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}
