package handshake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/logger"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/transport/inMemoryTransport"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	hostOrigin   = "https://app.example.com"
	remoteOrigin = "https://signers.example.com"
)

type fixture struct {
	logger   *zap.Logger
	host     *transport.Channel
	hostEp   *inMemoryTransport.InMemoryEndpoint
	remoteEp *inMemoryTransport.InMemoryEndpoint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	hostEp, remoteEp, err := inMemoryTransport.NewPair(hostOrigin, remoteOrigin)
	require.NoError(t, err)
	host, err := transport.NewChannel(hostEp, nil, l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })

	return &fixture{logger: l, host: host, hostEp: hostEp, remoteEp: remoteEp}
}

// startRemote plays the remote document: it starts listening, then announces.
func (f *fixture) startRemote(t *testing.T, delay time.Duration) *transport.Channel {
	t.Helper()
	remote, err := transport.NewChannel(f.remoteEp, nil, f.logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	connected := Accept(remote)
	go func() {
		time.Sleep(delay)
		_ = AnnounceReady(context.Background(), connected)
	}()
	return remote
}

func TestCoordinator_Establish(t *testing.T) {
	f := newFixture(t)
	c := NewCoordinator(f.logger)
	assert.Equal(t, NotStarted, c.State())

	remote := f.startRemote(t, 20*time.Millisecond)

	connected, err := c.Establish(context.Background(), f.host, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Ready, c.State())
	assert.Same(t, f.host, connected.Channel())

	again, err := c.Establish(context.Background(), f.host, time.Second)
	require.NoError(t, err)
	assert.Same(t, connected, again)

	// a message sent right after Establish returns is never lost
	received := make(chan struct{})
	remote.Subscribe(transport.MatchType("first"), func(in transport.Inbound) { close(received) })
	require.NoError(t, connected.Channel().Send(context.Background(), types.Envelope{Type: "first"}))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("first message after handshake was lost")
	}
}

func TestCoordinator_EarlyMessagesAreLostWithoutHandshake(t *testing.T) {
	f := newFixture(t)

	// the remote is not listening yet, so this is dropped like a message to an
	// iframe whose scripts have not run
	require.NoError(t, f.host.Send(context.Background(), types.Envelope{Type: "too-early"}))
	assert.Equal(t, int64(1), f.remoteEp.Dropped())
}

func TestCoordinator_Timeout(t *testing.T) {
	f := newFixture(t)
	c := NewCoordinator(f.logger)

	start := time.Now()
	_, err := c.Establish(context.Background(), f.host, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeTimeout))
	assert.Contains(t, err.Error(), "0.1s")
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, Failed, c.State())

	// a failed coordinator is never retried in place
	f.startRemote(t, 0)
	_, err = c.Establish(context.Background(), f.host, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeFailed))
	assert.Equal(t, Failed, c.State())
}

func TestCoordinator_LoadError(t *testing.T) {
	f := newFixture(t)
	c := NewCoordinator(f.logger)

	f.hostEp.FailLoad(errors.New("net::ERR_NAME_NOT_RESOLVED"))

	_, err := c.Establish(context.Background(), f.host, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeFailed))
	assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")
	assert.Equal(t, Failed, c.State())
}

func TestCoordinator_ChannelClosed(t *testing.T) {
	f := newFixture(t)
	c := NewCoordinator(f.logger)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.host.Close()
	}()

	_, err := c.Establish(context.Background(), f.host, time.Second)
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestCoordinator_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	c := NewCoordinator(f.logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Establish(ctx, f.host, time.Second)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCoordinator_IgnoresReadySignalFromForeignOrigin(t *testing.T) {
	f := newFixture(t)
	c := NewCoordinator(f.logger)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.hostEp.Inject(types.Message{Origin: "https://evil.com", Data: []byte(`{"type":"PAGE_LOADED"}`)})
	}()

	_, err := c.Establish(context.Background(), f.host, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "not-started", NotStarted.String())
	assert.Equal(t, "waiting", Waiting.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "failed", Failed.String())
}
