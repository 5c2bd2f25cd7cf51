package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Crossmint/signer-bridge-go/pkg/origin"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrEndpointClosed is returned by Endpoint.Post once the underlying window,
// page or connection is gone. Channel.Send swallows it.
var ErrEndpointClosed = errors.New("endpoint closed")

const defaultQueueSize = 256

// Endpoint is the physical message target: an iframe window, a popup, a
// WebView bridge, a socket. Implementations differ only in how bytes move;
// filtering and fan-out live in Channel.
type Endpoint interface {
	// TargetOrigin is the origin outbound messages are addressed to.
	TargetOrigin() string

	// Post delivers one serialized envelope to the remote context.
	Post(ctx context.Context, data []byte) error

	// Start begins inbound delivery. It is called exactly once, by the
	// owning Channel, and deliver must be called sequentially.
	Start(deliver func(types.Message)) error

	// LoadErrors reports failures of the remote document to load. Endpoints
	// without such a signal return nil.
	LoadErrors() <-chan error

	// Done is closed once the endpoint is released, locally or remotely.
	Done() <-chan struct{}

	Close() error
}

// Inbound is a message that passed the origin filter and decoded as an
// envelope.
type Inbound struct {
	Origin   string
	Envelope types.Envelope
}

type Predicate func(env types.Envelope) bool

type Handler func(in Inbound)

// MatchType is a Predicate on the envelope type.
func MatchType(eventType string) Predicate {
	return func(env types.Envelope) bool { return env.Type == eventType }
}

type ChannelConfig struct {
	// Policy overrides the allowed inbound origins. Defaults to the
	// endpoint's target origin.
	Policy *origin.Policy

	// InboundRateLimit caps accepted inbound messages per second. Zero
	// disables the limit.
	InboundRateLimit rate.Limit
	InboundBurst     int

	// QueueSize bounds messages waiting for dispatch.
	QueueSize int
}

type listener struct {
	id        string
	predicate Predicate
	handler   Handler
	active    atomic.Bool
}

// Channel owns exactly one Endpoint and fans inbound messages out to
// subscribers after origin and predicate checks. Inbound messages are
// dispatched on a single goroutine in arrival order.
type Channel struct {
	endpoint Endpoint
	policy   *origin.Policy
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu        sync.RWMutex
	listeners []*listener
	onClose   []func()
	closed    bool

	queue     chan types.Message
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewChannel takes ownership of endpoint and starts inbound dispatch.
func NewChannel(endpoint Endpoint, cfg *ChannelConfig, logger *zap.Logger) (*Channel, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("endpoint cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		cfg = &ChannelConfig{}
	}

	policy := cfg.Policy
	if policy == nil {
		p, err := origin.NewPolicy(endpoint.TargetOrigin())
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint target origin: %w", err)
		}
		policy = p
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	c := &Channel{
		endpoint: endpoint,
		policy:   policy,
		logger:   logger,
		queue:    make(chan types.Message, queueSize),
		done:     make(chan struct{}),
	}
	if cfg.InboundRateLimit > 0 {
		burst := cfg.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(cfg.InboundRateLimit, burst)
	}

	if err := endpoint.Start(c.deliver); err != nil {
		_ = endpoint.Close()
		return nil, fmt.Errorf("failed to start endpoint: %w", err)
	}

	go c.run()
	return c, nil
}

func (c *Channel) Endpoint() Endpoint { return c.endpoint }

func (c *Channel) Policy() *origin.Policy { return c.policy }

// Done is closed when the channel is torn down.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send serializes env and posts it to the endpoint's target origin. A closed
// endpoint is logged and ignored: callers cannot always observe closure
// synchronously.
func (c *Channel) Send(ctx context.Context, env types.Envelope) error {
	if c.Closed() {
		c.logger.Sugar().Warnw("Dropping outbound message on closed channel", "type", env.Type, "target_origin", c.endpoint.TargetOrigin())
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize %s envelope: %w", env.Type, err)
	}

	if err := c.endpoint.Post(ctx, data); err != nil {
		if errors.Is(err, ErrEndpointClosed) {
			c.logger.Sugar().Warnw("Dropping outbound message, endpoint is closed", "type", env.Type, "target_origin", c.endpoint.TargetOrigin())
			return nil
		}
		return fmt.Errorf("failed to post %s envelope: %w", env.Type, err)
	}

	c.logger.Sugar().Debugw("Posted message", "type", env.Type, "target_origin", c.endpoint.TargetOrigin())
	return nil
}

// Subscribe registers handler for inbound envelopes from an allowed origin
// that satisfy predicate. A nil predicate accepts every envelope. The
// returned function is idempotent.
func (c *Channel) Subscribe(predicate Predicate, handler Handler) func() {
	l := &listener{
		id:        uuid.New().String(),
		predicate: predicate,
		handler:   handler,
	}
	l.active.Store(true)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()

	return func() { c.unsubscribe(l) }
}

func (c *Channel) unsubscribe(l *listener) {
	if !l.active.CompareAndSwap(true, false) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// OnClose registers fn to run once on teardown. If the channel is already
// closed fn runs immediately.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close releases the endpoint, detaches every listener and runs OnClose
// hooks. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for _, l := range c.listeners {
			l.active.Store(false)
		}
		c.listeners = nil
		hooks := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		close(c.done)
		c.closeErr = c.endpoint.Close()

		for _, fn := range hooks {
			fn()
		}
		c.logger.Sugar().Debugw("Transport channel closed", "target_origin", c.endpoint.TargetOrigin())
	})
	return c.closeErr
}

func (c *Channel) deliver(msg types.Message) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Sugar().Warnw("Inbound rate limit exceeded, dropping message", "origin", msg.Origin)
		return
	}
	select {
	case c.queue <- msg:
	case <-c.done:
	}
}

func (c *Channel) run() {
	endpointDone := c.endpoint.Done()
	for {
		select {
		case <-c.done:
			return
		case <-endpointDone:
			c.logger.Sugar().Infow("Endpoint released, closing channel", "target_origin", c.endpoint.TargetOrigin())
			_ = c.Close()
			return
		case msg := <-c.queue:
			c.dispatch(msg)
		}
	}
}

func (c *Channel) dispatch(msg types.Message) {
	if !c.policy.Allows(msg.Origin) {
		// foreign senders share the message bus; not an error
		c.logger.Sugar().Debugw("Ignoring message from unexpected origin", "origin", msg.Origin)
		return
	}

	env, err := types.DecodeEnvelope(msg.Data)
	if err != nil {
		c.logger.Sugar().Debugw("Ignoring non-envelope message", "origin", msg.Origin, "error", err)
		return
	}

	c.mu.RLock()
	snapshot := make([]*listener, len(c.listeners))
	copy(snapshot, c.listeners)
	c.mu.RUnlock()

	in := Inbound{Origin: msg.Origin, Envelope: env}
	for _, l := range snapshot {
		if !l.active.Load() {
			continue
		}
		c.invoke(l, in)
	}
}

func (c *Channel) invoke(l *listener, in Inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Sugar().Errorw("Listener panicked", "type", in.Envelope.Type, "listener_id", l.id, "panic", r)
		}
	}()
	if l.predicate != nil && !l.predicate(in.Envelope) {
		return
	}
	l.handler(in)
}
