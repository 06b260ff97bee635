package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Decoder turns stored JSON content into a typed event.
type Decoder func(content []byte) (IntegrationEvent, error)

// Descriptor identifies a registered event type.
type Descriptor struct {
	Module    string
	EventType string
	FullName  string
	decode    Decoder
}

// Decode runs the registered decoder. Failures are always poison.
func (d Descriptor) Decode(content []byte) (IntegrationEvent, error) {
	ev, err := d.decode(content)
	if err != nil {
		return nil, Poison("Failed to deserialize "+d.FullName, err)
	}
	return ev, nil
}

// Registry maps stored type descriptors to decoders. Each bounded context registers its events at startup.
type Registry struct {
	mu       sync.RWMutex
	byFull   map[string]Descriptor
	byModule map[string]map[string]Descriptor
	byShort  map[string][]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		byFull:   make(map[string]Descriptor),
		byModule: make(map[string]map[string]Descriptor),
		byShort:  make(map[string][]Descriptor),
	}
}

// Register adds T under its module and short name, decoding with encoding/json.
func Register[T IntegrationEvent](r *Registry) error {
	var zero T
	return r.RegisterDecoder(zero.Module(), zero.EventType(), func(content []byte) (IntegrationEvent, error) {
		if bytes.Equal(bytes.TrimSpace(content), []byte("null")) {
			return nil, fmt.Errorf("null payload: %w", ErrInvalidArgument)
		}
		var ev T
		if err := json.Unmarshal(content, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	})
}

// MustRegister is Register that panics, for startup wiring.
func MustRegister[T IntegrationEvent](r *Registry) {
	if err := Register[T](r); err != nil {
		panic(err)
	}
}

func (r *Registry) RegisterDecoder(module, eventType string, decode Decoder) error {
	if module == "" || eventType == "" || decode == nil {
		return fmt.Errorf("register event: module, type and decoder are required: %w", ErrInvalidArgument)
	}

	d := Descriptor{Module: module, EventType: eventType, FullName: QualifiedName(module, eventType), decode: decode}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byFull[d.FullName]; exists {
		return fmt.Errorf("event type %s already registered: %w", d.FullName, ErrInvalidState)
	}
	r.byFull[d.FullName] = d
	if r.byModule[module] == nil {
		r.byModule[module] = make(map[string]Descriptor)
	}
	r.byModule[module][eventType] = d
	r.byShort[eventType] = append(r.byShort[eventType], d)
	return nil
}

// Resolve finds the descriptor for a stored type triple: exact full name, then module and short name,
// then the short name alone when exactly one module registered it.
func (r *Registry) Resolve(fullTypeName, moduleName, eventTypeName string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.byFull[fullTypeName]; ok {
		return d, nil
	}

	short := eventTypeName
	if short == "" {
		short = ShortName(fullTypeName)
	}

	if types, ok := r.byModule[moduleName]; ok {
		if d, ok := types[short]; ok {
			return d, nil
		}
	}

	candidates := r.byShort[short]
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return Descriptor{}, Poison(fmt.Sprintf("Could not resolve type %s (module %s)", fullTypeName, moduleName), ErrUnknownType)
	default:
		return Descriptor{}, Poison(fmt.Sprintf("Type %s matches %d modules", short, len(candidates)), ErrAmbiguousType)
	}
}

// FullNames lists registered types in sorted order.
func (r *Registry) FullNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byFull))
	for name := range r.byFull {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
