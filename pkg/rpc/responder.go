package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/bus"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"go.uber.org/zap"
)

// ReplyFunc computes the reply to one inbound request.
type ReplyFunc func(ctx context.Context, payload types.Payload) (types.Payload, error)

// Respond waits for one event satisfying the condition and returns its
// payload. When responseEvent and reply are both set, the reply is sent before
// Respond returns. Only WithTimeout and WithCondition apply.
func Respond(ctx context.Context, b EventBus, event, responseEvent string, reply ReplyFunc, opts ...RequestOption) (types.Payload, error) {
	var o requestOptions
	o.apply(DefaultTimeout, opts)

	var settled atomic.Bool
	results := make(chan result, 1)
	finish := func(r result) {
		if settled.CompareAndSwap(false, true) {
			results <- r
		}
	}

	sub, err := b.On(event, func(payload types.Payload) {
		if o.condition != nil && !o.condition(payload) {
			return
		}
		if settled.Load() {
			return
		}
		if responseEvent != "" && reply != nil {
			out, err := reply(ctx, payload)
			if err != nil {
				finish(result{err: fmt.Errorf("failed to build %s reply: %w", responseEvent, err)})
				return
			}
			if err := b.Send(ctx, responseEvent, out); err != nil {
				finish(result{err: err})
				return
			}
		}
		finish(result{payload: payload})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register %s handler: %w", event, err)
	}
	defer sub.Off()

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case r := <-results:
		return r.payload, r.err
	case <-timer.C:
		finish(result{err: &TimeoutError{Event: event, Timeout: o.timeout, WithCondition: o.condition != nil}})
	case <-ctx.Done():
		finish(result{err: ctx.Err()})
	case <-b.Done():
		finish(result{err: fmt.Errorf("%w: stopped waiting for %s", ErrTeardown, event)})
	}
	r := <-results
	return r.payload, r.err
}

// ErrorEncoder builds the error event payload for a failed request.
type ErrorEncoder func(requestEvent string, err error) types.Payload

type ServerOption func(*Server)

// WithErrorReply answers failed requests with event instead of staying silent.
func WithErrorReply(event string, encode ErrorEncoder) ServerOption {
	return func(s *Server) {
		s.errorEvent = event
		s.encodeError = encode
	}
}

// WithHandlerTimeout bounds each reply computation.
func WithHandlerTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.handlerTimeout = d }
}

// Server answers every occurrence of its registered request events. Each
// request runs on its own goroutine, so replies can complete out of order.
type Server struct {
	bus            EventBus
	logger         *zap.Logger
	errorEvent     string
	encodeError    ErrorEncoder
	handlerTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs []bus.Subscription
}

func NewServer(b EventBus, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		bus:            b,
		logger:         logger,
		handlerTimeout: DefaultTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.errorEvent != "" && s.encodeError == nil {
		cancel()
		return nil, fmt.Errorf("error event %q needs an encoder", s.errorEvent)
	}
	b.OnClose(s.Close)
	return s, nil
}

// Handle answers every requestEvent with responseEvent.
func (s *Server) Handle(requestEvent, responseEvent string, reply ReplyFunc) error {
	if reply == nil {
		return fmt.Errorf("reply for %q cannot be nil", requestEvent)
	}
	if s.ctx.Err() != nil {
		return ErrServerClosed
	}
	sub, err := s.bus.On(requestEvent, func(payload types.Payload) {
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.serve(requestEvent, responseEvent, reply, payload)
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to register %s handler: %w", requestEvent, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		sub.Off()
		return ErrServerClosed
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Server) serve(requestEvent, responseEvent string, reply ReplyFunc, payload types.Payload) {
	ctx, cancel := context.WithTimeout(s.ctx, s.handlerTimeout)
	defer cancel()

	out, err := s.safeReply(ctx, requestEvent, reply, payload)
	if err != nil {
		s.logger.Sugar().Warnw("Request handler failed", "event", requestEvent, "error", err)
		if s.errorEvent == "" {
			return
		}
		if sendErr := s.bus.Send(ctx, s.errorEvent, s.encodeError(requestEvent, err)); sendErr != nil {
			s.logger.Sugar().Errorw("Failed to send error reply", "event", requestEvent, "error", sendErr)
		}
		return
	}

	if err := s.bus.Send(ctx, responseEvent, out); err != nil {
		s.logger.Sugar().Errorw("Failed to send reply", "event", responseEvent, "error", err)
	}
}

func (s *Server) safeReply(ctx context.Context, requestEvent string, reply ReplyFunc, payload types.Payload) (out types.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", requestEvent, r)
		}
	}()
	return reply(ctx, payload)
}

// Close stops accepting requests and waits for in-flight replies.
func (s *Server) Close() {
	s.mu.Lock()
	s.cancel()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Off()
	}
	s.wg.Wait()
}
