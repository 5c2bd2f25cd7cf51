package inMemoryTransport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Crossmint/signer-bridge-go/pkg/origin"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
)

// InMemoryEndpoint is one side of an in-process window pair. Like a real
// window, messages posted before the other side starts listening are lost.
type InMemoryEndpoint struct {
	selfOrigin   string
	targetOrigin string
	peer         *InMemoryEndpoint

	mu      sync.RWMutex
	deliver func(types.Message)

	loadErrs  chan error
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

var _ transport.Endpoint = (*InMemoryEndpoint)(nil)

// NewPair returns a connected (host, remote) pair. Messages posted by the
// host carry hostOrigin and are addressed to remoteOrigin, and vice versa.
func NewPair(hostOrigin, remoteOrigin string) (*InMemoryEndpoint, *InMemoryEndpoint, error) {
	h, err := origin.ComputeExpectedOrigin(hostOrigin)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid host origin: %w", err)
	}
	r, err := origin.ComputeExpectedOrigin(remoteOrigin)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid remote origin: %w", err)
	}

	host := newEndpoint(h, r)
	remote := newEndpoint(r, h)
	host.peer = remote
	remote.peer = host
	return host, remote, nil
}

func newEndpoint(self, target string) *InMemoryEndpoint {
	return &InMemoryEndpoint{
		selfOrigin:   self,
		targetOrigin: target,
		loadErrs:     make(chan error, 1),
		done:         make(chan struct{}),
	}
}

func (e *InMemoryEndpoint) TargetOrigin() string { return e.targetOrigin }

func (e *InMemoryEndpoint) SelfOrigin() string { return e.selfOrigin }

func (e *InMemoryEndpoint) Post(_ context.Context, data []byte) error {
	if e.isClosed() || e.peer.isClosed() {
		return transport.ErrEndpointClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	e.peer.receive(types.Message{Origin: e.selfOrigin, Data: buf})
	return nil
}

func (e *InMemoryEndpoint) Start(deliver func(types.Message)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deliver != nil {
		return fmt.Errorf("endpoint already started")
	}
	e.deliver = deliver
	return nil
}

func (e *InMemoryEndpoint) LoadErrors() <-chan error { return e.loadErrs }

func (e *InMemoryEndpoint) Done() <-chan struct{} { return e.done }

func (e *InMemoryEndpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

// Inject delivers a raw message as if some other window had posted it.
func (e *InMemoryEndpoint) Inject(msg types.Message) {
	e.receive(msg)
}

// FailLoad simulates the remote document failing to load.
func (e *InMemoryEndpoint) FailLoad(err error) {
	select {
	case e.loadErrs <- err:
	default:
	}
}

// Dropped counts messages that arrived before Start or after Close.
func (e *InMemoryEndpoint) Dropped() int64 { return e.dropped.Load() }

func (e *InMemoryEndpoint) receive(msg types.Message) {
	if e.isClosed() {
		e.dropped.Add(1)
		return
	}
	e.mu.RLock()
	deliver := e.deliver
	e.mu.RUnlock()
	if deliver == nil {
		e.dropped.Add(1)
		return
	}
	deliver(msg)
}

func (e *InMemoryEndpoint) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
