package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/bus"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrorDecoder turns an error event payload into the request event it answers
// (empty when unknown) and the error to settle with.
type ErrorDecoder func(payload types.Payload) (requestEvent string, err error)

type Option func(*Correlator)

func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithErrorEvent routes a remote failure event to pending requests. An error
// naming a request event fails that request only; otherwise every pending
// request fails.
func WithErrorEvent(event string, decode ErrorDecoder) Option {
	return func(c *Correlator) {
		c.errorEvent = event
		c.decodeError = decode
	}
}

// pending is one in-flight request. It settles exactly once.
type pending struct {
	id            string
	requestEvent  string
	responseEvent string
	condition     Condition

	mu      sync.Mutex
	sub     bus.Subscription
	timer   *time.Timer
	stop    chan struct{}
	settled atomic.Bool
	result  chan result
}

// Correlator turns the bus's one-way events into request/response calls.
// The response event name is the correlation key, so at most one request per
// response event is in flight; a second one fails with ErrRequestInFlight.
type Correlator struct {
	bus            EventBus
	logger         *zap.Logger
	defaultTimeout time.Duration
	errorEvent     string
	decodeError    ErrorDecoder

	mu       sync.Mutex
	pending  map[string]*pending
	closed   bool
	errorSub bus.Subscription
}

func NewCorrelator(b EventBus, logger *zap.Logger, opts ...Option) (*Correlator, error) {
	if b == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	c := &Correlator{
		bus:            b,
		logger:         logger,
		defaultTimeout: DefaultTimeout,
		pending:        make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.errorEvent != "" {
		if c.decodeError == nil {
			return nil, fmt.Errorf("error event %q needs a decoder", c.errorEvent)
		}
		sub, err := b.On(c.errorEvent, c.onRemoteError)
		if err != nil {
			return nil, fmt.Errorf("failed to register error event handler: %w", err)
		}
		c.errorSub = sub
	}

	b.OnClose(c.Close)
	return c, nil
}

// Request sends requestEvent and waits for the first responseEvent that
// satisfies the condition. It returns on response, timeout, ctx
// cancellation, remote error or teardown, whichever comes first, and the
// response handler is removed on every path.
func (c *Correlator) Request(ctx context.Context, requestEvent, responseEvent string, payload types.Payload, opts ...RequestOption) (types.Payload, error) {
	var o requestOptions
	o.apply(c.defaultTimeout, opts)

	p := &pending{
		id:            uuid.New().String(),
		requestEvent:  requestEvent,
		responseEvent: responseEvent,
		condition:     o.condition,
		stop:          make(chan struct{}),
		result:        make(chan result, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: correlator is closed", ErrTeardown)
	}
	if _, busy := c.pending[responseEvent]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: a request is already waiting for %s", ErrRequestInFlight, responseEvent)
	}
	c.pending[responseEvent] = p
	c.mu.Unlock()

	p.mu.Lock()
	if p.settled.Load() {
		p.mu.Unlock()
		r := <-p.result
		return r.payload, r.err
	}
	sub, err := c.bus.On(responseEvent, func(resp types.Payload) {
		if p.condition != nil && !p.condition(resp) {
			c.logger.Sugar().Debugw("Ignoring response that does not satisfy condition", "event", responseEvent, "request_id", p.id)
			return
		}
		c.settle(p, resp, nil)
	})
	if err != nil {
		p.mu.Unlock()
		c.release(p)
		return nil, fmt.Errorf("failed to register %s handler: %w", responseEvent, err)
	}
	p.sub = sub
	p.timer = time.AfterFunc(o.timeout, func() {
		c.settle(p, nil, &TimeoutError{Event: responseEvent, Timeout: o.timeout, WithCondition: o.condition != nil})
	})
	p.mu.Unlock()

	if p.settled.Load() {
		r := <-p.result
		return r.payload, r.err
	}

	c.logger.Sugar().Debugw("Sending request", "event", requestEvent, "response_event", responseEvent, "request_id", p.id, "timeout", o.timeout)
	if err := c.bus.Send(ctx, requestEvent, payload); err != nil {
		c.settle(p, nil, err)
		r := <-p.result
		return nil, r.err
	}

	if o.resendInterval > 0 {
		go c.resend(ctx, p, payload, o.resendInterval)
	}

	select {
	case r := <-p.result:
		return r.payload, r.err
	case <-ctx.Done():
		c.settle(p, nil, ctx.Err())
		r := <-p.result
		return r.payload, r.err
	}
}

func (c *Correlator) resend(ctx context.Context, p *pending, payload types.Payload, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if p.settled.Load() {
				return
			}
			if err := c.bus.Send(ctx, p.requestEvent, payload); err != nil {
				c.logger.Sugar().Debugw("Resend failed", "event", p.requestEvent, "request_id", p.id, "error", err)
			}
		}
	}
}

// settle completes p once. Later calls are no-ops.
func (c *Correlator) settle(p *pending, payload types.Payload, err error) {
	if !p.settled.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.sub.Off()
	close(p.stop)
	p.mu.Unlock()

	c.release(p)

	if err != nil {
		c.logger.Sugar().Debugw("Request settled with error", "event", p.requestEvent, "request_id", p.id, "error", err)
	}
	p.result <- result{payload: payload, err: err}
}

func (c *Correlator) release(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.responseEvent] == p {
		delete(c.pending, p.responseEvent)
	}
}

func (c *Correlator) onRemoteError(payload types.Payload) {
	requestEvent, err := c.decodeError(payload)
	if err == nil {
		err = &RemoteError{Message: "remote reported an unspecified error", RequestEvent: requestEvent}
	}

	c.mu.Lock()
	var targets []*pending
	for _, p := range c.pending {
		if requestEvent == "" || p.requestEvent == requestEvent {
			targets = append(targets, p)
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		c.logger.Sugar().Warnw("Remote error with no matching request", "request_event", requestEvent, "error", err)
		return
	}
	for _, p := range targets {
		c.settle(p, nil, err)
	}
}

// Pending returns the number of requests in flight.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending request with ErrTeardown. It runs automatically
// when the bus closes.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	targets := make([]*pending, 0, len(c.pending))
	for _, p := range c.pending {
		targets = append(targets, p)
	}
	c.mu.Unlock()

	c.errorSub.Off()
	for _, p := range targets {
		c.settle(p, nil, fmt.Errorf("%w: stopped waiting for %s", ErrTeardown, p.responseEvent))
	}
	if len(targets) > 0 {
		c.logger.Sugar().Infow("Rejected pending requests on teardown", "count", len(targets))
	}
}
