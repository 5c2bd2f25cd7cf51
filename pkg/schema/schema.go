package schema

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("schema validation failed")

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Validator checks the structure of one payload.
type Validator func(p types.Payload) field.ErrorList

// EventSchema is an immutable (name, direction, validator) tuple.
type EventSchema struct {
	name      string
	direction Direction
	validator Validator
}

func NewEventSchema(name string, direction Direction, validator Validator) EventSchema {
	if validator == nil {
		validator = Object()
	}
	return EventSchema{name: name, direction: direction, validator: validator}
}

func (s EventSchema) Name() string         { return s.name }
func (s EventSchema) Direction() Direction { return s.direction }

// Validate returns a *ValidationError when p does not satisfy the schema.
func (s EventSchema) Validate(p types.Payload) error {
	if p == nil {
		p = types.Payload{}
	}
	if errs := s.validator(p); len(errs) > 0 {
		return &ValidationError{Event: s.name, Direction: s.direction, Errors: errs}
	}
	return nil
}

// ValidationError describes every field that failed validation.
type ValidationError struct {
	Event     string
	Direction Direction
	Errors    field.ErrorList
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload for event %q: %s", e.Direction, e.Event, e.Errors.ToAggregate().Error())
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Contract maps event names to schemas of a single direction. It is fixed
// once built.
type Contract struct {
	direction Direction
	schemas   map[string]EventSchema
}

// NewContract rejects duplicate names, empty names and schemas declared for
// the other direction.
func NewContract(direction Direction, schemas ...EventSchema) (*Contract, error) {
	c := &Contract{direction: direction, schemas: make(map[string]EventSchema, len(schemas))}
	for _, s := range schemas {
		if s.name == "" {
			return nil, fmt.Errorf("event schema with empty name in %s contract", direction)
		}
		if s.direction != direction {
			return nil, fmt.Errorf("event %q is %s but contract is %s", s.name, s.direction, direction)
		}
		if _, exists := c.schemas[s.name]; exists {
			return nil, fmt.Errorf("duplicate event %q in %s contract", s.name, direction)
		}
		c.schemas[s.name] = s
	}
	return c, nil
}

// MustContract is NewContract for package-level catalogs.
func MustContract(direction Direction, schemas ...EventSchema) *Contract {
	c, err := NewContract(direction, schemas...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Contract) Direction() Direction { return c.direction }

func (c *Contract) Lookup(name string) (EventSchema, bool) {
	if c == nil {
		return EventSchema{}, false
	}
	s, ok := c.schemas[name]
	return s, ok
}

func (c *Contract) Has(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// Names returns the event names sorted.
func (c *Contract) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.schemas))
	for n := range c.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new contract holding both sets of events. Name collisions
// are an error.
func (c *Contract) Merge(other *Contract) (*Contract, error) {
	if other == nil {
		return c, nil
	}
	if c == nil {
		return other, nil
	}
	if c.direction != other.direction {
		return nil, fmt.Errorf("cannot merge %s contract into %s contract", other.direction, c.direction)
	}
	all := make([]EventSchema, 0, len(c.schemas)+len(other.schemas))
	for _, s := range c.schemas {
		all = append(all, s)
	}
	for _, s := range other.schemas {
		all = append(all, s)
	}
	return NewContract(c.direction, all...)
}

// Disjoint reports an error if any event name is declared in both contracts.
func Disjoint(a, b *Contract) error {
	for _, n := range a.Names() {
		if b.Has(n) {
			return fmt.Errorf("event %q is declared as both %s and %s", n, a.direction, b.direction)
		}
	}
	return nil
}
