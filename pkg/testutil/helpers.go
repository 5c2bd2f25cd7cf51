package testutil

import (
	"testing"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/bus"
	"github.com/Crossmint/signer-bridge-go/pkg/handshake"
	"github.com/Crossmint/signer-bridge-go/pkg/logger"
	"github.com/Crossmint/signer-bridge-go/pkg/schema"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/transport/inMemoryTransport"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	HostOrigin   = "https://app.example.com"
	RemoteOrigin = "https://signers.example.com"
)

// NewTestLogger returns the logger tests share.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	return l
}

// ChannelPair is two started channels over an in-memory endpoint pair.
type ChannelPair struct {
	Host     *transport.Channel
	Remote   *transport.Channel
	HostEp   *inMemoryTransport.InMemoryEndpoint
	RemoteEp *inMemoryTransport.InMemoryEndpoint
}

// NewChannelPair connects HostOrigin to RemoteOrigin. Both channels close on
// test cleanup.
func NewChannelPair(t *testing.T, l *zap.Logger) *ChannelPair {
	t.Helper()
	hostEp, remoteEp, err := inMemoryTransport.NewPair(HostOrigin, RemoteOrigin)
	require.NoError(t, err)

	host, err := transport.NewChannel(hostEp, nil, l)
	require.NoError(t, err)
	remote, err := transport.NewChannel(remoteEp, nil, l)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = host.Close()
		_ = remote.Close()
	})
	return &ChannelPair{Host: host, Remote: remote, HostEp: hostEp, RemoteEp: remoteEp}
}

// Contracts is one side's incoming and outgoing catalog.
type Contracts struct {
	Incoming *schema.Contract
	Outgoing *schema.Contract
}

// BusPair is a host and a remote bus on a connected channel pair.
type BusPair struct {
	*ChannelPair
	HostBus   *bus.Bus
	RemoteBus *bus.Bus
}

// NewBusPair skips the ready handshake; both channels are already listening
// so no early message can be lost.
func NewBusPair(t *testing.T, l *zap.Logger, host, remote Contracts) *BusPair {
	t.Helper()
	channels := NewChannelPair(t, l)

	hostBus, err := bus.New(handshake.Accept(channels.Host), host.Incoming, host.Outgoing, l)
	require.NoError(t, err)
	remoteBus, err := bus.New(handshake.Accept(channels.Remote), remote.Incoming, remote.Outgoing, l)
	require.NoError(t, err)

	return &BusPair{ChannelPair: channels, HostBus: hostBus, RemoteBus: remoteBus}
}

// Receive waits up to a second for a payload on ch.
func Receive(t *testing.T, ch <-chan types.Payload) types.Payload {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

// Eventually waits for cond with the defaults the tests share.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
