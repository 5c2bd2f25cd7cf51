package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/encryption"
	"github.com/Crossmint/signer-bridge-go/pkg/rpc"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/attestation"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/client"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/communications"
	"github.com/Crossmint/signer-bridge-go/pkg/testutil"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	*testutil.BusPair
	server *rpc.Server
	client *client.Client
}

func newFixture(t *testing.T, trusted ...string) *fixture {
	t.Helper()
	l := testutil.NewTestLogger(t)
	hostIn, hostOut := communications.HostContracts()
	remoteIn, remoteOut := communications.RemoteContracts()
	pair := testutil.NewBusPair(t, l,
		testutil.Contracts{Incoming: hostIn, Outgoing: hostOut},
		testutil.Contracts{Incoming: remoteIn, Outgoing: remoteOut},
	)

	server, err := rpc.NewServer(pair.RemoteBus, l, rpc.WithErrorReply(communications.EventError, communications.EncodeError))
	require.NoError(t, err)
	t.Cleanup(server.Close)

	verifier, err := attestation.NewVerifier(attestation.VerifierOptions{Trusted: trusted})
	require.NoError(t, err)
	c, err := client.New(pair.HostBus, verifier, l, rpc.WithDefaultTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &fixture{BusPair: pair, server: server, client: c}
}

// serveAttestation answers get-attestation with documents from issuer.
func (f *fixture) serveAttestation(t *testing.T, issuer *attestation.Issuer, mutate func(d *attestation.Document)) {
	t.Helper()
	require.NoError(t, f.server.Handle(communications.EventGetAttestationRequest, communications.EventGetAttestationResponse,
		func(ctx context.Context, p types.Payload) (types.Payload, error) {
			req, err := communications.FromPayload[communications.GetAttestationRequest](p)
			if err != nil {
				return nil, err
			}
			doc, err := issuer.Issue(req.Challenge)
			if err != nil {
				return nil, err
			}
			if mutate != nil {
				mutate(doc)
			}
			m, err := doc.ToMap()
			if err != nil {
				return nil, err
			}
			return communications.ToPayload(communications.GetAttestationResponse{AttestationDocument: m})
		}))
}

func newIssuer(t *testing.T) *attestation.Issuer {
	t.Helper()
	_, pub, err := encryption.GenerateKeyPair(encryption.MinKeyBits)
	require.NoError(t, err)
	issuer, err := attestation.NewIssuer("", string(pub))
	require.NoError(t, err)
	return issuer
}

func TestValidateAttestation(t *testing.T) {
	issuer := newIssuer(t)

	t.Run("trusted signer", func(t *testing.T) {
		f := newFixture(t, issuer.Address())
		f.serveAttestation(t, issuer, nil)

		require.NoError(t, f.client.ValidateAttestation(context.Background()))
		assert.True(t, f.client.IsAttestationValid())

		f.client.ResetAttestation()
		assert.False(t, f.client.IsAttestationValid())
		_, err := f.client.AttestationPublicKey()
		require.ErrorIs(t, err, client.ErrAttestationNotValidated)
	})

	t.Run("untrusted signer resets state", func(t *testing.T) {
		other := newIssuer(t)
		f := newFixture(t, other.Address())
		f.serveAttestation(t, issuer, nil)

		err := f.client.ValidateAttestation(context.Background())
		require.ErrorContains(t, err, "not trusted")
		assert.False(t, f.client.IsAttestationValid())
	})

	t.Run("public key that is not RSA", func(t *testing.T) {
		bogus, err := attestation.NewIssuer("", "not a pem")
		require.NoError(t, err)
		f := newFixture(t)
		f.serveAttestation(t, bogus, nil)

		require.Error(t, f.client.ValidateAttestation(context.Background()))
		assert.False(t, f.client.IsAttestationValid())
	})

	t.Run("challenge is not echoed", func(t *testing.T) {
		f := newFixture(t)
		f.serveAttestation(t, issuer, func(d *attestation.Document) { d.Challenge = "replayed" })

		require.ErrorContains(t, f.client.ValidateAttestation(context.Background()), "attestation")
		assert.False(t, f.client.IsAttestationValid())
	})
}

func TestRemoteErrorFailsCall(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.server.Handle(communications.EventGetStatusRequest, communications.EventGetStatusResponse,
		func(ctx context.Context, p types.Payload) (types.Payload, error) {
			return nil, communications.NewCodedError(communications.CodeSignerNotFound, "no signer for this user")
		}))

	_, err := f.client.GetStatus(context.Background(), "jwt")
	var remote *rpc.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, communications.CodeSignerNotFound, remote.Code)
	assert.Equal(t, communications.EventGetStatusRequest, remote.RequestEvent)
}

func TestCallTimesOut(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	_, err := f.client.GetPublicKey(context.Background(), "jwt", communications.ChainLayerEVM, rpc.WithTimeout(100*time.Millisecond))
	require.ErrorIs(t, err, rpc.ErrRequestTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNew_Validation(t *testing.T) {
	verifier, err := attestation.NewVerifier(attestation.VerifierOptions{})
	require.NoError(t, err)

	_, err = client.New(nil, verifier, zap.NewNop())
	require.Error(t, err)

	f := newFixture(t)
	_, err = client.New(f.HostBus, nil, zap.NewNop())
	require.Error(t, err)
	_, err = client.New(f.HostBus, verifier, nil)
	require.Error(t, err)
}
