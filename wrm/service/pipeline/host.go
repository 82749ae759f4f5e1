package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Factory constructs a stage once at build time. Services registered on the
// host are available through Lookup.
type Factory func(h *Host) (Stage, error)

// ErrBuilt is returned when the host is modified after Build.
var ErrBuilt = errors.New("pipeline already built")

type namedFactory struct {
	name    string
	factory Factory
}

// Host assembles the pipeline before any connection is accepted. Stage
// factories run in registration order, and the composed handler is cached.
type Host struct {
	mu        sync.Mutex
	factories []namedFactory
	services  map[any]any
	handler   Handler
}

// NewHost creates an empty host.
func NewHost() *Host {
	return &Host{services: make(map[any]any)}
}

// RegisterStage appends a stage factory to the pipeline order.
func (h *Host) RegisterStage(name string, factory Factory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handler != nil {
		return ErrBuilt
	}
	h.factories = append(h.factories, namedFactory{name: name, factory: factory})
	return nil
}

// StageNames returns the registered stage names in pipeline order.
func (h *Host) StageNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, len(h.factories))
	for i, f := range h.factories {
		names[i] = f.name
	}
	return names
}

// RegisterService makes a shared instance available to stage factories,
// keyed by its static type.
func RegisterService[T any](h *Host, svc T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services[valueKey[T]{}] = svc
}

// Lookup returns the service registered for type T.
func Lookup[T any](h *Host) (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	svc, ok := h.services[valueKey[T]{}].(T)
	return svc, ok
}

// MustLookup is Lookup for factories that cannot proceed without the service.
func MustLookup[T any](h *Host) (T, error) {
	if svc, ok := Lookup[T](h); ok {
		return svc, nil
	}
	var zero T
	return zero, fmt.Errorf("service %s not registered", reflect.TypeFor[T]())
}

// Build constructs every stage and composes them. Subsequent calls return the
// cached handler.
func (h *Host) Build() (Handler, error) {
	h.mu.Lock()
	if h.handler != nil {
		defer h.mu.Unlock()
		return h.handler, nil
	}
	factories := append([]namedFactory(nil), h.factories...)
	h.mu.Unlock() // factories call Lookup

	var b Builder
	for _, f := range factories {
		stage, err := f.factory(h)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", f.name, err)
		} else if stage == nil {
			continue // factory chose not to participate
		}
		b.Use(stage)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handler == nil {
		h.handler = b.Build()
	}
	return h.handler, nil
}
