package tool

import (
	"sort"
	"sync"

	"github.com/sourcecheck-ai/sourcecheck/internal/event"
)

// Registry holds the registered tool capabilities. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Capability
	bus   *event.Bus
}

// NewRegistry creates an empty tool registry. The bus may be nil; when set,
// registration changes publish a tools.changed event so open SSE clients can
// be notified.
func NewRegistry(bus *event.Bus) *Registry {
	return &Registry{
		tools: make(map[string]Capability),
		bus:   bus,
	}
}

// DefaultRegistry returns a registry with the built-in analyzers registered.
func DefaultRegistry(bus *event.Bus, cfg RunnerConfig) *Registry {
	r := NewRegistry(bus)
	r.Register(NewFlake8(cfg))
	r.Register(NewBlack(cfg))
	r.Register(NewBandit(cfg))
	return r
}

// Register adds or replaces a capability under its descriptor name.
func (r *Registry) Register(c Capability) {
	name := c.Descriptor().Name

	r.mu.Lock()
	r.tools[name] = c
	r.mu.Unlock()

	r.notifyChanged()
}

// Unregister removes a capability by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	r.mu.Unlock()

	if ok {
		r.notifyChanged()
	}
}

// Get returns the capability registered under name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tools[name]
	return c, ok
}

// Descriptors returns the descriptors of all registered tools, sorted by
// name for a stable tools/list payload.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]Descriptor, 0, len(r.tools))
	for _, c := range r.tools {
		descs = append(descs, c.Descriptor())
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	descs := r.Descriptors()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

func (r *Registry) notifyChanged() {
	if r.bus != nil {
		r.bus.Publish(event.Event{Type: event.ToolsChanged, Data: event.ToolsChangedData{Tools: r.Names()}})
	}
}
