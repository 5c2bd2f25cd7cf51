package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Crossmint/signer-bridge-go/pkg/handshake"
	"github.com/Crossmint/signer-bridge-go/pkg/schema"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"go.uber.org/zap"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrBusClosed    = errors.New("event bus closed")
)

// Handler receives a validated inbound payload. Handlers run on the channel's
// delivery goroutine in arrival order; anything slow should be handed off.
type Handler func(payload types.Payload)

type registration struct {
	id      uint64
	handler Handler
}

// Subscription identifies one On registration. Off through a stale handle is
// a no-op once the event has been re-registered.
type Subscription struct {
	bus   *Bus
	event string
	id    uint64
}

func (s Subscription) Event() string { return s.event }

func (s Subscription) Off() {
	if s.bus == nil {
		return
	}
	s.bus.off(s.event, s.id)
}

// Bus multiplexes named, schema-checked events over one connected channel.
// The dispatch table maps each incoming event name to at most one handler.
type Bus struct {
	channel  *transport.Channel
	incoming *schema.Contract
	outgoing *schema.Contract
	logger   *zap.Logger

	mu       sync.Mutex
	handlers map[string]registration
	nextID   uint64
	onClose  []func()
	closed   bool

	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

func New(connected *handshake.Connected, incoming, outgoing *schema.Contract, logger *zap.Logger) (*Bus, error) {
	if connected == nil || connected.Channel() == nil {
		return nil, fmt.Errorf("connected channel is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if incoming == nil || outgoing == nil {
		return nil, fmt.Errorf("incoming and outgoing contracts are required")
	}
	if incoming.Direction() != schema.Incoming {
		return nil, fmt.Errorf("incoming contract has direction %s", incoming.Direction())
	}
	if outgoing.Direction() != schema.Outgoing {
		return nil, fmt.Errorf("outgoing contract has direction %s", outgoing.Direction())
	}
	if err := schema.Disjoint(incoming, outgoing); err != nil {
		return nil, err
	}

	b := &Bus{
		channel:  connected.Channel(),
		incoming: incoming,
		outgoing: outgoing,
		logger:   logger,
		handlers: make(map[string]registration),
		done:     make(chan struct{}),
	}
	b.unsubscribe = b.channel.Subscribe(func(env types.Envelope) bool {
		return incoming.Has(env.Type)
	}, b.dispatch)
	b.channel.OnClose(func() { _ = b.Close() })

	return b, nil
}

func (b *Bus) Incoming() *schema.Contract { return b.incoming }

func (b *Bus) Outgoing() *schema.Contract { return b.outgoing }

func (b *Bus) Channel() *transport.Channel { return b.channel }

func (b *Bus) Done() <-chan struct{} { return b.done }

// On registers handler for an incoming event. A later registration for the
// same name replaces the earlier one.
func (b *Bus) On(event string, handler Handler) (Subscription, error) {
	if handler == nil {
		return Subscription{}, fmt.Errorf("handler for %q cannot be nil", event)
	}
	if !b.incoming.Has(event) {
		return Subscription{}, fmt.Errorf("%w: %q is not an incoming event", ErrUnknownEvent, event)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}, ErrBusClosed
	}
	if _, exists := b.handlers[event]; exists {
		b.logger.Sugar().Debugw("Replacing event handler", "event", event)
	}
	b.nextID++
	b.handlers[event] = registration{id: b.nextID, handler: handler}
	return Subscription{bus: b, event: event, id: b.nextID}, nil
}

// Off removes whatever handler is registered for event.
func (b *Bus) Off(event string) {
	b.off(event, 0)
}

func (b *Bus) off(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg, ok := b.handlers[event]
	if !ok {
		return
	}
	if id != 0 && reg.id != id {
		return
	}
	delete(b.handlers, event)
}

// Send validates payload against the outgoing contract and posts it. An
// invalid payload returns a *schema.ValidationError and nothing is sent.
func (b *Bus) Send(ctx context.Context, event string, payload types.Payload) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	s, ok := b.outgoing.Lookup(event)
	if !ok {
		return fmt.Errorf("%w: %q is not an outgoing event", ErrUnknownEvent, event)
	}
	if err := s.Validate(payload); err != nil {
		return err
	}
	return b.channel.Send(ctx, types.Envelope{Type: event, Payload: payload})
}

// OnClose registers fn to run once when the bus closes. It runs immediately
// on a closed bus.
func (b *Bus) OnClose(fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		fn()
		return
	}
	b.onClose = append(b.onClose, fn)
	b.mu.Unlock()
}

// Close detaches the bus from its channel and drops every handler. The
// channel itself stays open.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.handlers = make(map[string]registration)
		hooks := b.onClose
		b.onClose = nil
		b.mu.Unlock()

		b.unsubscribe()
		close(b.done)
		for _, fn := range hooks {
			fn()
		}
		b.logger.Sugar().Debugw("Event bus closed", "target_origin", b.channel.Endpoint().TargetOrigin())
	})
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) dispatch(in transport.Inbound) {
	event := in.Envelope.Type
	s, ok := b.incoming.Lookup(event)
	if !ok {
		return
	}
	if err := s.Validate(in.Envelope.Payload); err != nil {
		b.logger.Sugar().Warnw("Dropping inbound event that failed validation", "event", event, "origin", in.Origin, "error", err)
		return
	}

	b.mu.Lock()
	reg, ok := b.handlers[event]
	b.mu.Unlock()
	if !ok {
		b.logger.Sugar().Debugw("No handler for inbound event", "event", event)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Sugar().Errorw("Event handler panicked", "event", event, "panic", r)
		}
	}()
	reg.handler(in.Envelope.Payload)
}
