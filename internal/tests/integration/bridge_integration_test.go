package integration

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/Crossmint/signer-bridge-go/internal/tests"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/client"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/communications"
	"github.com/Crossmint/signer-bridge-go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WebsocketBridge(t *testing.T) {
	b := tests.NewTestBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := b.Connect(ctx, t, tests.HostOrigin)
	require.NoError(t, err)
	sc := session.Client
	jwt := tests.Token(t, "integration-user")

	t.Run("Should refuse signing before attestation", func(t *testing.T) {
		_, err := sc.SignMessage(ctx, jwt, "hello", communications.ChainLayerSolana, "")
		require.ErrorIs(t, err, client.ErrAttestationNotValidated)
	})

	t.Run("Should onboard a signer and sign over the socket", func(t *testing.T) {
		require.NoError(t, sc.ValidateAttestation(ctx))

		signerID, err := sc.CreateSigner(ctx, jwt, "email:integration@example.com", "")
		require.NoError(t, err)

		status, err := sc.GetStatus(ctx, jwt)
		require.NoError(t, err)
		assert.Equal(t, communications.SignerStatusNewDevice, status)

		code := b.Codes.Code(signerID)
		require.Len(t, code, 6)
		verified, err := sc.SendOTP(ctx, jwt, code, communications.ChainLayerSolana)
		require.NoError(t, err)

		resp, err := sc.SignMessage(ctx, jwt, "hello from the host", communications.ChainLayerSolana, "")
		require.NoError(t, err)
		assert.Equal(t, verified.PublicKey, resp.PublicKey)

		pub, err := util.Decode(resp.PublicKey, util.EncodingBase58)
		require.NoError(t, err)
		sig, err := util.Decode(resp.Signature, util.EncodingBase58)
		require.NoError(t, err)
		assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), []byte("hello from the host"), sig))
	})

	t.Run("Should keep the signer across host sessions", func(t *testing.T) {
		session.Close()
		select {
		case <-session.Done():
		case <-ctx.Done():
			t.Fatal("session did not close")
		}

		again, err := b.Connect(ctx, t, tests.HostOrigin)
		require.NoError(t, err)

		status, err := again.Client.GetStatus(ctx, jwt)
		require.NoError(t, err)
		assert.Equal(t, communications.SignerStatusReady, status)
	})
}

func Test_WebsocketBridge_RejectsUnknownOrigin(t *testing.T) {
	b := tests.NewTestBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := b.Connect(ctx, t, "https://evil.example.com")
	require.Error(t, err)
}

func Test_WebsocketBridge_ConcurrentHosts(t *testing.T) {
	b := tests.NewTestBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first, err := b.Connect(ctx, t, tests.HostOrigin)
	require.NoError(t, err)
	second, err := b.Connect(ctx, t, tests.HostOrigin)
	require.NoError(t, err)

	firstID, err := first.Client.CreateSigner(ctx, tests.Token(t, "alice"), "email:alice@example.com", communications.ChainLayerEVM)
	require.NoError(t, err)
	secondID, err := second.Client.CreateSigner(ctx, tests.Token(t, "bob"), "email:bob@example.com", communications.ChainLayerEVM)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID)

	signers, err := b.Store.ListSigners()
	require.NoError(t, err)
	assert.Len(t, signers, 2)
}
