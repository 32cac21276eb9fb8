package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/harborline/courier/pkg/envelope"
	"github.com/harborline/courier/pkg/types"
)

// Codec encodes envelopes for the transport and decodes them back.
// Implementations must guarantee round-trip identity for every type tag
// registered at startup.
type Codec interface {
	Serialize(env *envelope.Envelope) ([]byte, error)
	Deserialize(data []byte, typeTag string) (*envelope.Envelope, error)
}

// Registry holds the message types known to this process. It is populated
// during startup and read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[string]func() any
}

// NewRegistry creates an empty type registry
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]func() any)}
}

// Register associates a type tag with a payload constructor. Registering
// the same tag twice replaces the constructor.
func (r *Registry) Register(tag string, newFn func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[tag] = newFn
}

// Registered reports whether the tag is known
func (r *Registry) Registered(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[tag]
	return ok
}

// NewPayload constructs an empty payload value for the tag
func (r *Registry) NewPayload(tag string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	newFn, ok := r.types[tag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type tag %q", types.ErrSerialization, tag)
	}
	return newFn(), nil
}

// Tags returns the registered tags in sorted order
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.types))
	for tag := range r.types {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// JSONCodec is the default codec: envelopes travel as JSON documents.
type JSONCodec struct {
	registry *Registry
}

// NewJSON creates a JSON codec over the given type registry
func NewJSON(registry *Registry) *JSONCodec {
	return &JSONCodec{registry: registry}
}

// Serialize encodes the envelope. The envelope's type tag must be
// registered.
func (c *JSONCodec) Serialize(env *envelope.Envelope) ([]byte, error) {
	if !c.registry.Registered(env.Type) {
		return nil, fmt.Errorf("%w: unknown type tag %q", types.ErrSerialization, env.Type)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	return data, nil
}

// Deserialize decodes an envelope and checks it carries the expected
// registered tag.
func (c *JSONCodec) Deserialize(data []byte, typeTag string) (*envelope.Envelope, error) {
	if !c.registry.Registered(typeTag) {
		return nil, fmt.Errorf("%w: unknown type tag %q", types.ErrSerialization, typeTag)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	if env.Type != typeTag {
		return nil, fmt.Errorf("%w: envelope tagged %q, expected %q",
			types.ErrSerialization, env.Type, typeTag)
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into a registered payload
// value for the envelope's tag.
func (c *JSONCodec) DecodePayload(env *envelope.Envelope) (any, error) {
	payload, err := c.registry.NewPayload(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, fmt.Errorf("%w: payload of %q: %v", types.ErrSerialization, env.Type, err)
	}
	return payload, nil
}

// EncodePayload marshals a payload value for inclusion in an envelope
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	return data, nil
}
