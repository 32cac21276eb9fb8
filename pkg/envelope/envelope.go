package envelope

import (
	"time"

	"github.com/harborline/courier/pkg/ids"
)

// HopType distinguishes the hop an envelope currently sits at from the
// hops that caused it
type HopType string

const (
	HopCurrent   HopType = "Current"
	HopCausation HopType = "Causation"
)

// Hop records one leg of an envelope's journey. Hops reference service
// instances by ID only; there is no back-pointer from a hop to anything
// that owns it.
type Hop struct {
	ServiceInstance string            `json:"serviceInstance"`
	Type            HopType           `json:"type"`
	Timestamp       time.Time         `json:"timestamp"`
	CorrelationID   ids.ID            `json:"correlationId"`
	CausationID     ids.ID            `json:"causationId"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Envelope wraps a serialized payload with its identifiers and the ordered
// list of hops it has taken. Envelopes are value objects: two envelopes
// with equal contents are the same envelope.
type Envelope struct {
	MessageID ids.ID `json:"messageId"`
	Type      string `json:"type"`
	Payload   []byte `json:"payload"`
	Hops      []Hop  `json:"hops,omitempty"`
}

// New returns an envelope carrying the given payload under a fresh message ID
func New(typeTag string, payload []byte) *Envelope {
	return &Envelope{
		MessageID: ids.New(),
		Type:      typeTag,
		Payload:   payload,
	}
}

// AddHop appends a hop, making it the single Current hop. Any prior
// Current hops are re-typed as Causation.
func (e *Envelope) AddHop(hop Hop) {
	for i := range e.Hops {
		if e.Hops[i].Type == HopCurrent {
			e.Hops[i].Type = HopCausation
		}
	}
	hop.Type = HopCurrent
	if hop.Timestamp.IsZero() {
		hop.Timestamp = time.Now().UTC()
	}
	e.Hops = append(e.Hops, hop)
}

// Current returns the single Current hop, or nil if the envelope has none
func (e *Envelope) Current() *Hop {
	for i := len(e.Hops) - 1; i >= 0; i-- {
		if e.Hops[i].Type == HopCurrent {
			return &e.Hops[i]
		}
	}
	return nil
}

// CorrelationID returns the correlation of the Current hop, or ids.Nil
// when the envelope has no hops
func (e *Envelope) CorrelationID() ids.ID {
	if h := e.Current(); h != nil {
		return h.CorrelationID
	}
	return ids.Nil
}

// CausationID returns the causation of the Current hop, or ids.Nil when
// the envelope has no hops
func (e *Envelope) CausationID() ids.ID {
	if h := e.Current(); h != nil {
		return h.CausationID
	}
	return ids.Nil
}

// Equal reports full structural equality of two envelopes
func (e *Envelope) Equal(other *Envelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.MessageID != other.MessageID || e.Type != other.Type {
		return false
	}
	if string(e.Payload) != string(other.Payload) {
		return false
	}
	if len(e.Hops) != len(other.Hops) {
		return false
	}
	for i := range e.Hops {
		if !hopEqual(&e.Hops[i], &other.Hops[i]) {
			return false
		}
	}
	return true
}

func hopEqual(a, b *Hop) bool {
	if a.ServiceInstance != b.ServiceInstance ||
		a.Type != b.Type ||
		!a.Timestamp.Equal(b.Timestamp) ||
		a.CorrelationID != b.CorrelationID ||
		a.CausationID != b.CausationID {
		return false
	}
	if len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for k, v := range a.Metadata {
		if b.Metadata[k] != v {
			return false
		}
	}
	return true
}
