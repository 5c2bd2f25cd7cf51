package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"go.uber.org/zap"
)

// PageLoadedEvent is the sentinel a remote context sends once it listens.
const PageLoadedEvent = "PAGE_LOADED"

const DefaultTimeout = 10 * time.Second

var (
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrHandshakeFailed  = errors.New("handshake failed")
)

type State int32

const (
	NotStarted State = iota
	Waiting
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Waiting:
		return "waiting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connected is a channel that is safe for application messages. The host
// gets one from Coordinator.Establish, the remote side from Accept.
type Connected struct {
	channel *transport.Channel
}

func (c *Connected) Channel() *transport.Channel { return c.channel }

// Coordinator runs the one-time readiness handshake for a single channel.
// State only moves forward; a failed coordinator stays failed.
type Coordinator struct {
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	channel   *transport.Channel
	connected *Connected
	failure   error
}

func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{logger: logger, state: NotStarted}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Establish waits for PageLoadedEvent from the channel's allowed origins.
// The first of ready signal, load error, channel closure, timeout or context
// cancellation decides the outcome. On failure the caller owns disposal of
// the channel; it must not be reused.
func (c *Coordinator) Establish(ctx context.Context, ch *transport.Channel, timeout time.Duration) (*Connected, error) {
	if ch == nil {
		return nil, fmt.Errorf("channel cannot be nil")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	switch c.state {
	case Ready:
		defer c.mu.Unlock()
		if c.channel != ch {
			return nil, fmt.Errorf("coordinator is already bound to another channel")
		}
		return c.connected, nil
	case Waiting:
		c.mu.Unlock()
		return nil, fmt.Errorf("handshake already in progress")
	case Failed:
		defer c.mu.Unlock()
		return nil, fmt.Errorf("%w: coordinator cannot be reused after: %v", ErrHandshakeFailed, c.failure)
	}
	c.state = Waiting
	c.channel = ch
	c.mu.Unlock()

	c.logger.Sugar().Debugw("Waiting for remote ready signal", "target_origin", ch.Endpoint().TargetOrigin(), "timeout", timeout)

	ready := make(chan struct{}, 1)
	unsubscribe := ch.Subscribe(transport.MatchType(PageLoadedEvent), func(in transport.Inbound) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-ready:
	case loadErr := <-ch.Endpoint().LoadErrors():
		err = fmt.Errorf("%w: %v", ErrHandshakeFailed, loadErr)
	case <-ch.Done():
		err = fmt.Errorf("%w: channel closed before the remote was ready", ErrHandshakeFailed)
	case <-timer.C:
		err = fmt.Errorf("%w: timed out waiting %gs for %s", ErrHandshakeTimeout, timeout.Seconds(), PageLoadedEvent)
	case <-ctx.Done():
		err = fmt.Errorf("%w: %w", ErrHandshakeFailed, ctx.Err())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = Failed
		c.failure = err
		c.logger.Sugar().Warnw("Handshake failed", "target_origin", ch.Endpoint().TargetOrigin(), "error", err)
		return nil, err
	}
	c.state = Ready
	c.connected = &Connected{channel: ch}
	c.logger.Sugar().Infow("Remote context ready", "target_origin", ch.Endpoint().TargetOrigin())
	return c.connected, nil
}

// Accept wraps a channel on the remote side, where readiness is declared
// rather than awaited. Register every handler on the bus built from it, then
// call AnnounceReady.
func Accept(ch *transport.Channel) *Connected {
	return &Connected{channel: ch}
}

// AnnounceReady sends PageLoadedEvent to the host.
func AnnounceReady(ctx context.Context, c *Connected) error {
	if err := c.channel.Send(ctx, types.Envelope{Type: PageLoadedEvent}); err != nil {
		return fmt.Errorf("failed to announce readiness: %w", err)
	}
	return nil
}
