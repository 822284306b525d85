package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownEvent is returned when decoding an event name nobody registered.
var ErrUnknownEvent = errors.New("unknown event")

type decoder func(data []byte) (Event, error)

// Registry maps event names to decoders for events arriving from the broker.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]decoder
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]decoder)}
}

// Register makes events of type E decodable by their name.
func Register[E Event](r *Registry) {
	var zero E
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[zero.EventName()] = func(data []byte) (Event, error) {
		var e E
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Decode turns a JSON payload into the event called name.
func (r *Registry) Decode(name string, data []byte) (Event, error) {
	r.mu.RLock()
	dec, ok := r.decoders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}

	event, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return event, nil
}

// Names returns the registered event names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry knows every event of this package.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	Register[PersonenkontextUpdatedEvent](r)
	Register[RolleUpdatedEvent](r)
	Register[PersonRenamedEvent](r)
	Register[PersonDeletedEvent](r)
	Register[OxMetadataInKeycloakChangedEvent](r)
	Register[EmailAddressGeneratedEvent](r)
	Register[EmailAddressChangedEvent](r)
	Register[EmailAddressDisabledEvent](r)
	Register[EmailAddressMarkedForDeletionEvent](r)
	Register[OxUserCreatedEvent](r)
	Register[OxUserChangedEvent](r)
	Register[EmailAddressGenerationFailedEvent](r)
	return r
}
