package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// EnvelopeTypeKey is the discriminator field every wire message carries.
const EnvelopeTypeKey = "type"

// VersionKey is the optional protocol version field.
const VersionKey = "version"

// Payload is the JSON object carried next to the envelope type. Values follow
// encoding/json decoding rules (numbers are float64, objects map[string]any).
type Payload map[string]any

// NewPayload normalizes any JSON-serializable value into a Payload by running
// it through encoding/json, so locally built payloads compare equal to
// payloads decoded off the wire.
func NewPayload(v any) (Payload, error) {
	if v == nil {
		return Payload{}, nil
	}
	if p, ok := v.(Payload); ok {
		v = map[string]any(p)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if string(data) == "null" {
		return Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// Decode unmarshals the payload into a typed struct.
func (p Payload) Decode(into any) error {
	data, err := json.Marshal(map[string]any(p))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// Version returns the integral "version" field, if present.
func (p Payload) Version() (int, bool) {
	raw, ok := p[VersionKey]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Envelope is the unit passed through a transport. On the wire it is a flat
// JSON object: {"type": "...", ...payload fields}.
type Envelope struct {
	Type    string
	Payload Payload
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat[EnvelopeTypeKey] = e.Type
	return json.Marshal(flat)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	if flat == nil {
		return fmt.Errorf("envelope must be a JSON object")
	}
	t, ok := flat[EnvelopeTypeKey].(string)
	if !ok || t == "" {
		return fmt.Errorf("envelope is missing a string %q field", EnvelopeTypeKey)
	}
	delete(flat, EnvelopeTypeKey)
	e.Type = t
	e.Payload = Payload(flat)
	return nil
}

// DecodeEnvelope parses raw wire bytes.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}

// Message is one inbound delivery from an endpoint, before any filtering.
type Message struct {
	// Origin is the sender origin as reported by the platform (event.origin,
	// the WebSocket Origin header, or the frame origin on a shared bus).
	Origin string
	Data   []byte
}
