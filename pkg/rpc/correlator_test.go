package rpc_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/rpc"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/communications"
	"github.com/Crossmint/signer-bridge-go/pkg/testutil"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	*testutil.BusPair
	logger     *zap.Logger
	correlator *rpc.Correlator
}

func newFixture(t *testing.T, opts ...rpc.Option) *fixture {
	t.Helper()
	l := testutil.NewTestLogger(t)
	hostIn, hostOut := communications.HostContracts()
	remoteIn, remoteOut := communications.RemoteContracts()
	pair := testutil.NewBusPair(t, l,
		testutil.Contracts{Incoming: hostIn, Outgoing: hostOut},
		testutil.Contracts{Incoming: remoteIn, Outgoing: remoteOut},
	)

	c, err := rpc.NewCorrelator(pair.HostBus, l, opts...)
	require.NoError(t, err)
	return &fixture{BusPair: pair, logger: l, correlator: c}
}

func signMessage(t *testing.T, jwt string) types.Payload {
	t.Helper()
	p, err := communications.ToPayload(communications.SignMessageRequest{
		JWT: jwt, Message: "hello", ChainLayer: communications.ChainLayerSolana,
	})
	require.NoError(t, err)
	return p
}

func signature(t *testing.T, sig string) types.Payload {
	t.Helper()
	p, err := communications.ToPayload(communications.SignatureResponse{Signature: sig, PublicKey: "pub1"})
	require.NoError(t, err)
	return p
}

// echoSigner answers every sign-message request after delay.
func (f *fixture) echoSigner(t *testing.T, delay time.Duration, sig string) *atomic.Int32 {
	t.Helper()
	var seen atomic.Int32
	_, err := f.RemoteBus.On(communications.EventSignMessageRequest, func(types.Payload) {
		seen.Add(1)
		go func() {
			time.Sleep(delay)
			_ = f.RemoteBus.Send(context.Background(), communications.EventSignMessageResponse, signature(t, sig))
		}()
	})
	require.NoError(t, err)
	return &seen
}

func TestCorrelator_Request(t *testing.T) {
	f := newFixture(t)
	f.echoSigner(t, 50*time.Millisecond, "sig1")

	resp, err := f.correlator.Request(context.Background(),
		communications.EventSignMessageRequest, communications.EventSignMessageResponse,
		signMessage(t, "jwt"), rpc.WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.Payload{"signature": "sig1", "publicKey": "pub1", "version": float64(1)}, resp)
	assert.Equal(t, 0, f.correlator.Pending())
}

func TestCorrelator_RejectsSecondRequestForSameResponse(t *testing.T) {
	f := newFixture(t)
	f.echoSigner(t, 150*time.Millisecond, "sig1")

	first := make(chan error, 1)
	go func() {
		_, err := f.correlator.Request(context.Background(),
			communications.EventSignMessageRequest, communications.EventSignMessageResponse,
			signMessage(t, "jwt"), rpc.WithTimeout(time.Second))
		first <- err
	}()
	testutil.Eventually(t, func() bool { return f.correlator.Pending() == 1 }, "first request never registered")

	_, err := f.correlator.Request(context.Background(),
		communications.EventSignMessageRequest, communications.EventSignMessageResponse,
		signMessage(t, "jwt"), rpc.WithTimeout(time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpc.ErrRequestInFlight))

	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first request never completed")
	}
}

func TestCorrelator_TimeoutFiresOnce(t *testing.T) {
	f := newFixture(t)
	seen := f.echoSigner(t, 300*time.Millisecond, "late")

	start := time.Now()
	_, err := f.correlator.Request(context.Background(),
		communications.EventSignMessageRequest, communications.EventSignMessageResponse,
		signMessage(t, "jwt"), rpc.WithTimeout(100*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, rpc.ErrRequestTimeout))
	var timeout *rpc.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, communications.EventSignMessageResponse, timeout.Event)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, int32(1), seen.Load())

	// the late response must find no listener and settle nothing
	late := make(chan types.Payload, 1)
	_, err = f.HostBus.On(communications.EventSignMessageResponse, func(p types.Payload) { late <- p })
	require.NoError(t, err)
	got := testutil.Receive(t, late)
	assert.Equal(t, "late", got["signature"])
	assert.Equal(t, 0, f.correlator.Pending())
}

func TestCorrelator_TimeoutMessage(t *testing.T) {
	f := newFixture(t)

	_, err := f.correlator.Request(context.Background(),
		communications.EventGetStatusRequest, communications.EventGetStatusResponse,
		types.Payload{"jwt": "j", "version": 1}, rpc.WithTimeout(200*time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0.2")
	assert.Contains(t, err.Error(), communications.EventGetStatusResponse)
	assert.NotContains(t, err.Error(), "condition")

	_, err = f.correlator.Request(context.Background(),
		communications.EventGetStatusRequest, communications.EventGetStatusResponse,
		types.Payload{"jwt": "j", "version": 1},
		rpc.WithTimeout(50*time.Millisecond),
		rpc.WithCondition(func(types.Payload) bool { return true }))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "with condition")
}

func TestCorrelator_Condition(t *testing.T) {
	f := newFixture(t)
	_, err := f.RemoteBus.On(communications.EventSignMessageRequest, func(types.Payload) {
		go func() {
			_ = f.RemoteBus.Send(context.Background(), communications.EventSignMessageResponse, signature(t, "wrong"))
			_ = f.RemoteBus.Send(context.Background(), communications.EventSignMessageResponse, signature(t, "right"))
		}()
	})
	require.NoError(t, err)

	resp, err := f.correlator.Request(context.Background(),
		communications.EventSignMessageRequest, communications.EventSignMessageResponse,
		signMessage(t, "jwt"),
		rpc.WithTimeout(time.Second),
		rpc.WithCondition(func(p types.Payload) bool { return p["signature"] == "right" }))
	require.NoError(t, err)
	assert.Equal(t, "right", resp["signature"])
}

func TestCorrelator_ResendUntilAnswered(t *testing.T) {
	f := newFixture(t)
	var seen atomic.Int32
	_, err := f.RemoteBus.On(communications.EventGetStatusRequest, func(types.Payload) {
		if seen.Add(1) < 3 {
			return
		}
		p, _ := communications.ToPayload(communications.GetStatusResponse{SignerStatus: communications.SignerStatusReady})
		_ = f.RemoteBus.Send(context.Background(), communications.EventGetStatusResponse, p)
	})
	require.NoError(t, err)

	resp, err := f.correlator.Request(context.Background(),
		communications.EventGetStatusRequest, communications.EventGetStatusResponse,
		types.Payload{"jwt": "j", "version": 1},
		rpc.WithTimeout(time.Second), rpc.WithResendInterval(20*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "ready", resp["signerStatus"])
	assert.GreaterOrEqual(t, seen.Load(), int32(3))

	time.Sleep(30 * time.Millisecond)
	settled := seen.Load()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, settled, seen.Load(), "resend kept running after settle")
}

func TestCorrelator_ValidationFailsBeforeWire(t *testing.T) {
	f := newFixture(t)
	seen := f.echoSigner(t, 0, "sig1")

	_, err := f.correlator.Request(context.Background(),
		communications.EventSignMessageRequest, communications.EventSignMessageResponse,
		types.Payload{"message": "no jwt", "chainLayer": "solana", "version": 1})
	require.Error(t, err)
	assert.Equal(t, 0, f.correlator.Pending())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), seen.Load())
}

func TestCorrelator_ContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := f.correlator.Request(ctx,
		communications.EventSignMessageRequest, communications.EventSignMessageResponse,
		signMessage(t, "jwt"), rpc.WithTimeout(time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, f.correlator.Pending())
}

func TestCorrelator_TeardownRejectsAllPending(t *testing.T) {
	f := newFixture(t)

	ops := []communications.Operation{
		communications.OpSignMessage,
		communications.OpGetStatus,
		communications.OpGetPublicKey,
	}
	payloads := map[string]types.Payload{
		communications.EventSignMessageRequest:  signMessage(t, "jwt"),
		communications.EventGetStatusRequest:    {"jwt": "j", "version": 1},
		communications.EventGetPublicKeyRequest: {"jwt": "j", "chainLayer": "evm", "version": 1},
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ops))
	for _, op := range ops {
		wg.Add(1)
		go func(op communications.Operation) {
			defer wg.Done()
			_, err := f.correlator.Request(context.Background(), op.Request, op.Response, payloads[op.Request], rpc.WithTimeout(5*time.Second))
			errs <- err
		}(op)
	}
	testutil.Eventually(t, func() bool { return f.correlator.Pending() == len(ops) }, "requests never registered")

	require.NoError(t, f.HostBus.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		require.Error(t, err)
		assert.True(t, errors.Is(err, rpc.ErrTeardown))
	}
	assert.Equal(t, 0, f.correlator.Pending())

	_, err := f.correlator.Request(context.Background(),
		communications.EventSignMessageRequest, communications.EventSignMessageResponse, signMessage(t, "jwt"))
	assert.True(t, errors.Is(err, rpc.ErrTeardown))
}

func TestCorrelator_RemoteErrorEvent(t *testing.T) {
	f := newFixture(t, rpc.WithErrorEvent(communications.EventError, communications.DecodeError))
	_, err := f.RemoteBus.On(communications.EventSignMessageRequest, func(types.Payload) {
		go func() {
			_ = f.RemoteBus.Send(context.Background(), communications.EventError,
				communications.EncodeError(communications.EventSignMessageRequest,
					communications.NewCodedError(communications.CodeUnauthorized, "jwt expired")))
		}()
	})
	require.NoError(t, err)

	_, err = f.correlator.Request(context.Background(),
		communications.EventSignMessageRequest, communications.EventSignMessageResponse,
		signMessage(t, "jwt"), rpc.WithTimeout(time.Second))
	require.Error(t, err)
	var remote *rpc.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, communications.CodeUnauthorized, remote.Code)
	assert.Equal(t, 0, f.correlator.Pending())
}

func TestNewCorrelator_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := rpc.NewCorrelator(nil, f.logger)
	require.Error(t, err)
	_, err = rpc.NewCorrelator(f.HostBus, nil)
	require.Error(t, err)
	_, err = rpc.NewCorrelator(f.HostBus, f.logger, rpc.WithErrorEvent(communications.EventError, nil))
	require.Error(t, err)
}
