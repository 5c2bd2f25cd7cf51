package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/bus"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
)

const DefaultTimeout = 10 * time.Second

var (
	ErrRequestTimeout  = errors.New("request timed out")
	ErrRequestInFlight = errors.New("request already in flight")
	ErrTeardown        = errors.New("channel torn down")
	ErrServerClosed    = errors.New("server closed")
)

// EventBus is the subset of *bus.Bus the correlator and server depend on.
type EventBus interface {
	On(event string, handler bus.Handler) (bus.Subscription, error)
	Send(ctx context.Context, event string, payload types.Payload) error
	OnClose(fn func())
	Done() <-chan struct{}
}

var _ EventBus = (*bus.Bus)(nil)

// Condition filters candidate responses. Non-matching responses are ignored
// and the request keeps waiting.
type Condition func(payload types.Payload) bool

// TimeoutError reports how long a request or responder waited.
type TimeoutError struct {
	Event         string
	Timeout       time.Duration
	WithCondition bool
}

func (e *TimeoutError) Error() string {
	cond := ""
	if e.WithCondition {
		cond = ", with condition,"
	}
	return fmt.Sprintf("timed out waiting for %s event%s after %gs", e.Event, cond, e.Timeout.Seconds())
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// RemoteError is a failure reported by the remote context through the
// configured error event.
type RemoteError struct {
	Code         string
	Message      string
	RequestEvent string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote error: %s", e.Message)
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

type requestOptions struct {
	timeout        time.Duration
	condition      Condition
	resendInterval time.Duration
}

type RequestOption func(*requestOptions)

func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

func WithCondition(c Condition) RequestOption {
	return func(o *requestOptions) { o.condition = c }
}

// WithResendInterval re-sends the request every d until it settles. Only for
// idempotent requests such as a handshake probe; never for signing.
func WithResendInterval(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.resendInterval = d }
}

func (o *requestOptions) apply(defaultTimeout time.Duration, opts []RequestOption) {
	o.timeout = defaultTimeout
	for _, opt := range opts {
		opt(o)
	}
	if o.timeout <= 0 {
		o.timeout = defaultTimeout
	}
}

type result struct {
	payload types.Payload
	err     error
}
