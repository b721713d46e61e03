package task

import (
	"sync"
)

// Registry maps task type names to handlers and collector names to
// collectors. It is process-scoped and owned by the coordinating service so
// lifecycle and test isolation stay explicit.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	collectors map[string]Collector
}

// NewRegistry creates a registry with the built-in collectors installed.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		collectors: map[string]Collector{
			CollectorLast:  lastValue{},
			CollectorFirst: firstValue{},
			CollectorList:  listValues{},
			CollectorCount: countValues{},
		},
	}
}

// RegisterHandler registers a handler for a task type.
func (r *Registry) RegisterHandler(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Handler returns the handler registered for a task type.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// RegisterCollector registers a collector under a name.
func (r *Registry) RegisterCollector(name string, collector Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[name] = collector
}

// Collector returns the collector registered under a name.
func (r *Registry) Collector(name string) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	collector, ok := r.collectors[name]
	return collector, ok
}
