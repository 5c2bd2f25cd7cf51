// Package verifiedHandshake runs the three-step request/response/complete
// exchange on an established bus. Both sides prove they are reading each
// other's messages before any signer traffic flows.
package verifiedHandshake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/rpc"
	"github.com/Crossmint/signer-bridge-go/pkg/schema"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	RequestEvent  = "handshakeRequest"
	ResponseEvent = "handshakeResponse"
	CompleteEvent = "handshakeComplete"

	verificationIDKey = "requestVerificationId"

	DefaultTimeout  = 10 * time.Second
	DefaultInterval = 100 * time.Millisecond
)

type Options struct {
	Timeout time.Duration
	// Interval between request resends on the parent side.
	Interval time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{Timeout: DefaultTimeout, Interval: DefaultInterval}
	if o == nil {
		return out
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	if o.Interval > 0 {
		out.Interval = o.Interval
	}
	return out
}

func eventSchema(name string, d schema.Direction) schema.EventSchema {
	return schema.NewEventSchema(name, d, schema.Object(schema.NonEmptyString(verificationIDKey)))
}

// ParentContracts are merged into the contracts of the window that embeds or
// opens the child.
func ParentContracts() (incoming, outgoing *schema.Contract) {
	return schema.MustContract(schema.Incoming, eventSchema(ResponseEvent, schema.Incoming)),
		schema.MustContract(schema.Outgoing, eventSchema(RequestEvent, schema.Outgoing), eventSchema(CompleteEvent, schema.Outgoing))
}

// ChildContracts mirror ParentContracts.
func ChildContracts() (incoming, outgoing *schema.Contract) {
	return schema.MustContract(schema.Incoming, eventSchema(RequestEvent, schema.Incoming), eventSchema(CompleteEvent, schema.Incoming)),
		schema.MustContract(schema.Outgoing, eventSchema(ResponseEvent, schema.Outgoing))
}

// MergeParent adds the parent handshake events to a host catalog.
func MergeParent(incoming, outgoing *schema.Contract) (*schema.Contract, *schema.Contract, error) {
	in, out := ParentContracts()
	return merge(incoming, outgoing, in, out)
}

// MergeChild adds the child handshake events to a remote catalog.
func MergeChild(incoming, outgoing *schema.Contract) (*schema.Contract, *schema.Contract, error) {
	in, out := ChildContracts()
	return merge(incoming, outgoing, in, out)
}

func merge(incoming, outgoing, extraIn, extraOut *schema.Contract) (*schema.Contract, *schema.Contract, error) {
	in, err := incoming.Merge(extraIn)
	if err != nil {
		return nil, nil, err
	}
	out, err := outgoing.Merge(extraOut)
	if err != nil {
		return nil, nil, err
	}
	return in, out, nil
}

type Parent struct {
	bus        rpc.EventBus
	correlator *rpc.Correlator
	opts       Options
	logger     *zap.Logger

	mu        sync.Mutex
	connected bool
}

func NewParent(b rpc.EventBus, correlator *rpc.Correlator, opts *Options, logger *zap.Logger) (*Parent, error) {
	if b == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if correlator == nil {
		return nil, fmt.Errorf("correlator is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Parent{bus: b, correlator: correlator, opts: opts.withDefaults(), logger: logger}, nil
}

func (p *Parent) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// HandshakeWithChild resends a fresh verification id until the child echoes
// it, then confirms. It is a no-op once connected.
func (p *Parent) HandshakeWithChild(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		p.logger.Sugar().Debugw("Already connected to child")
		return nil
	}

	id := uuid.New().String()
	_, err := p.correlator.Request(ctx, RequestEvent, ResponseEvent, types.Payload{verificationIDKey: id},
		rpc.WithTimeout(p.opts.Timeout),
		rpc.WithResendInterval(p.opts.Interval),
		rpc.WithCondition(func(payload types.Payload) bool { return payload[verificationIDKey] == id }),
	)
	if err != nil {
		return fmt.Errorf("handshake with child failed: %w", err)
	}
	if err := p.bus.Send(ctx, CompleteEvent, types.Payload{verificationIDKey: id}); err != nil {
		return fmt.Errorf("failed to confirm handshake: %w", err)
	}

	p.connected = true
	p.logger.Sugar().Infow("Handshake with child complete", "verification_id", id)
	return nil
}

type Child struct {
	bus    rpc.EventBus
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
}

func NewChild(b rpc.EventBus, opts *Options, logger *zap.Logger) (*Child, error) {
	if b == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Child{bus: b, opts: opts.withDefaults(), logger: logger}, nil
}

func (c *Child) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// HandshakeWithParent echoes the first request it sees and waits for the
// matching confirmation. Each step gets the full timeout.
func (c *Child) HandshakeWithParent(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		c.logger.Sugar().Debugw("Already connected to parent")
		return nil
	}

	// The parent confirms as soon as it sees our response, so listen first.
	completed := make(chan string, 16)
	sub, err := c.bus.On(CompleteEvent, func(payload types.Payload) {
		id, _ := payload[verificationIDKey].(string)
		select {
		case completed <- id:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register %s handler: %w", CompleteEvent, err)
	}
	defer sub.Off()

	req, err := rpc.Respond(ctx, c.bus, RequestEvent, ResponseEvent,
		func(_ context.Context, payload types.Payload) (types.Payload, error) {
			return types.Payload{verificationIDKey: payload[verificationIDKey]}, nil
		},
		rpc.WithTimeout(c.opts.Timeout),
	)
	if err != nil {
		return fmt.Errorf("handshake with parent failed: %w", err)
	}
	id, _ := req[verificationIDKey].(string)

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()
	for {
		select {
		case got := <-completed:
			if got != id {
				c.logger.Sugar().Debugw("Ignoring confirmation for another handshake", "verification_id", got)
				continue
			}
			c.connected = true
			c.logger.Sugar().Infow("Handshake with parent complete", "verification_id", id)
			return nil
		case <-timer.C:
			return fmt.Errorf("handshake with parent failed: %w",
				&rpc.TimeoutError{Event: CompleteEvent, Timeout: c.opts.Timeout, WithCondition: true})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
