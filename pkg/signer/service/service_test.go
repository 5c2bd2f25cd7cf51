package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Crossmint/signer-bridge-go/internal/keyGenerator/localKeyGenerator"
	"github.com/Crossmint/signer-bridge-go/pkg/encryption"
	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/Crossmint/signer-bridge-go/pkg/persistence/memory"
	"github.com/Crossmint/signer-bridge-go/pkg/rpc"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/attestation"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/auth"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/client"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/communications"
	"github.com/Crossmint/signer-bridge-go/pkg/testutil"
	"github.com/Crossmint/signer-bridge-go/pkg/util"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSecret = []byte("signer-bridge-test-secret-0123456789")

var (
	rsaOnce    sync.Once
	rsaPrivPEM []byte
	rsaPubPEM  []byte
	rsaErr     error
)

func testRSAKeys(t *testing.T) ([]byte, []byte) {
	t.Helper()
	rsaOnce.Do(func() {
		rsaPrivPEM, rsaPubPEM, rsaErr = encryption.GenerateKeyPair(encryption.MinKeyBits)
	})
	require.NoError(t, rsaErr)
	return rsaPrivPEM, rsaPubPEM
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.SubjectKey, subject))
	require.NoError(t, tok.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), testSecret))
	require.NoError(t, err)
	return string(signed)
}

type capturingSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *capturingSender) SendOTP(_ context.Context, signer *persistence.SignerRecord, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[signer.SignerID] = code
	return nil
}

func (c *capturingSender) Code(signerID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[signerID]
}

type testEnv struct {
	svc    *Service
	store  *memory.MemoryPersistence
	otps   *capturingSender
	issuer *attestation.Issuer
	client *client.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	l := testutil.NewTestLogger(t)
	priv, pub := testRSAKeys(t)

	issuer, err := attestation.NewIssuer("", string(pub))
	require.NoError(t, err)
	verifier, err := auth.NewHMACVerifier(testSecret, auth.Options{}, l)
	require.NoError(t, err)

	store := memory.NewMemoryPersistence(l)
	otps := &capturingSender{codes: make(map[string]string)}
	svc, err := New(&Config{
		Persistence:      store,
		Keys:             localKeyGenerator.NewLocalKeyGenerator(l),
		Auth:             verifier,
		Attestation:      issuer,
		OTPPrivateKeyPEM: priv,
		OTPSender:        otps,
		Logger:           l,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	hostIn, hostOut := communications.HostContracts()
	remoteIn, remoteOut := communications.RemoteContracts()
	pair := testutil.NewBusPair(t, l,
		testutil.Contracts{Incoming: hostIn, Outgoing: hostOut},
		testutil.Contracts{Incoming: remoteIn, Outgoing: remoteOut},
	)
	server, err := svc.Serve(pair.RemoteBus)
	require.NoError(t, err)
	t.Cleanup(server.Close)

	attestVerifier, err := attestation.NewVerifier(attestation.VerifierOptions{Trusted: []string{issuer.Address()}})
	require.NoError(t, err)
	c, err := client.New(pair.HostBus, attestVerifier, l, rpc.WithDefaultTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &testEnv{svc: svc, store: store, otps: otps, issuer: issuer, client: c}
}

func requireRemoteCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var remote *rpc.RemoteError
	require.True(t, errors.As(err, &remote), "expected remote error, got %v", err)
	assert.Equal(t, code, remote.Code)
}

func (e *testEnv) onboard(t *testing.T, jwt string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.client.ValidateAttestation(ctx))
	signerID, err := e.client.CreateSigner(ctx, jwt, "email:user@example.com", "")
	require.NoError(t, err)
	_, err = e.client.SendOTP(ctx, jwt, e.otps.Code(signerID), "")
	require.NoError(t, err)
	return signerID
}

func Test_SignerFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jwt := token(t, "user-1")

	t.Run("Should validate the attestation", func(t *testing.T) {
		require.NoError(t, env.client.ValidateAttestation(ctx))
		pem, err := env.client.AttestationPublicKey()
		require.NoError(t, err)
		assert.Equal(t, env.issuer.PublicKey(), pem)
	})

	var signerID string
	t.Run("Should create a signer and issue an otp", func(t *testing.T) {
		var err error
		signerID, err = env.client.CreateSigner(ctx, jwt, "email:user@example.com", "")
		require.NoError(t, err)
		assert.NotEmpty(t, signerID)
		assert.Len(t, env.otps.Code(signerID), 6)

		again, err := env.client.CreateSigner(ctx, jwt, "email:user@example.com", "")
		require.NoError(t, err)
		assert.Equal(t, signerID, again)

		record, err := env.store.LoadSignerBySubject("user-1")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.NotNil(t, record.Key("solana"))
		assert.NotNil(t, record.Key("evm"))
	})

	t.Run("Should report a new device and refuse to sign", func(t *testing.T) {
		status, err := env.client.GetStatus(ctx, jwt)
		require.NoError(t, err)
		assert.Equal(t, communications.SignerStatusNewDevice, status)

		_, err = env.client.SignMessage(ctx, jwt, "hello", communications.ChainLayerSolana, "")
		requireRemoteCode(t, err, communications.CodeDeviceNotVerified)
	})

	t.Run("Should reject an incorrect otp", func(t *testing.T) {
		wrong := "000000"
		if env.otps.Code(signerID) == wrong {
			wrong = "111111"
		}
		_, err := env.client.SendOTP(ctx, jwt, wrong, "")
		requireRemoteCode(t, err, communications.CodeInvalidOTP)
	})

	t.Run("Should verify the device with the otp", func(t *testing.T) {
		resp, err := env.client.SendOTP(ctx, jwt, env.otps.Code(signerID), "")
		require.NoError(t, err)
		assert.NotEmpty(t, resp.EncryptedOTP)

		pk, err := env.client.GetPublicKey(ctx, jwt, communications.ChainLayerSolana)
		require.NoError(t, err)
		assert.Equal(t, pk.PublicKey, resp.PublicKey)
		assert.Equal(t, communications.KeyTypeEd25519, pk.KeyType)

		status, err := env.client.GetStatus(ctx, jwt)
		require.NoError(t, err)
		assert.Equal(t, communications.SignerStatusReady, status)
	})

	t.Run("Should sign a solana message", func(t *testing.T) {
		resp, err := env.client.SignMessage(ctx, jwt, "hello", communications.ChainLayerSolana, "")
		require.NoError(t, err)

		pub, err := util.Decode(resp.PublicKey, util.EncodingBase58)
		require.NoError(t, err)
		sig, err := util.Decode(resp.Signature, util.EncodingBase58)
		require.NoError(t, err)
		assert.True(t, ed25519.Verify(pub, []byte("hello"), sig))
	})

	t.Run("Should sign a solana transaction", func(t *testing.T) {
		raw := []byte{1, 2, 3, 4}
		tx, err := util.Encode(raw, util.EncodingBase58)
		require.NoError(t, err)

		resp, err := env.client.SignTransaction(ctx, jwt, tx, communications.ChainLayerSolana, "")
		require.NoError(t, err)

		pub, err := util.Decode(resp.PublicKey, util.EncodingBase58)
		require.NoError(t, err)
		sig, err := util.Decode(resp.Signature, util.EncodingBase58)
		require.NoError(t, err)
		assert.True(t, ed25519.Verify(pub, raw, sig))
	})

	t.Run("Should sign an evm message with personal_sign semantics", func(t *testing.T) {
		resp, err := env.client.SignMessage(ctx, jwt, "hello", communications.ChainLayerEVM, "")
		require.NoError(t, err)
		assertRecovers(t, resp, accounts.TextHash([]byte("hello")))
	})

	t.Run("Should sign an evm transaction hash", func(t *testing.T) {
		resp, err := env.client.SignTransaction(ctx, jwt, "0xdeadbeef", communications.ChainLayerEVM, "")
		require.NoError(t, err)
		assertRecovers(t, resp, crypto.Keccak256([]byte{0xde, 0xad, 0xbe, 0xef}))
	})

	t.Run("Should honor an explicit encoding", func(t *testing.T) {
		resp, err := env.client.SignMessage(ctx, jwt, "aGVsbG8=", communications.ChainLayerSolana, communications.EncodingBase64)
		require.NoError(t, err)

		pub, err := util.Decode(resp.PublicKey, util.EncodingBase64)
		require.NoError(t, err)
		sig, err := util.Decode(resp.Signature, util.EncodingBase64)
		require.NoError(t, err)
		assert.True(t, ed25519.Verify(pub, []byte("hello"), sig))
	})
}

func assertRecovers(t *testing.T, resp *communications.SignatureResponse, digest []byte) {
	t.Helper()
	pub, err := util.Decode(resp.PublicKey, util.EncodingHex)
	require.NoError(t, err)
	sig, err := util.Decode(resp.Signature, util.EncodingHex)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{27, 28}, sig[64])
	sig[64] -= 27

	recovered, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, pub, crypto.FromECDSAPub(recovered))
}

func Test_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("Should reject an invalid token", func(t *testing.T) {
		_, err := env.client.CreateSigner(ctx, "not-a-token", "email:a@b.c", "")
		requireRemoteCode(t, err, communications.CodeUnauthorized)
	})

	t.Run("Should report a missing signer", func(t *testing.T) {
		_, err := env.client.GetStatus(ctx, token(t, "nobody"))
		requireRemoteCode(t, err, communications.CodeSignerNotFound)
	})

	t.Run("Should report a missing chain layer key", func(t *testing.T) {
		jwt := token(t, "evm-only")
		_, err := env.client.CreateSigner(ctx, jwt, "email:evm@example.com", communications.ChainLayerEVM)
		require.NoError(t, err)
		_, err = env.client.GetPublicKey(ctx, jwt, communications.ChainLayerSolana)
		requireRemoteCode(t, err, communications.CodeUnsupportedLayer)
	})

	t.Run("Should reject a malformed transaction", func(t *testing.T) {
		jwt := token(t, "user-tx")
		env.onboard(t, jwt)
		_, err := env.client.SignTransaction(ctx, jwt, "0OIl", communications.ChainLayerSolana, "")
		requireRemoteCode(t, err, communications.CodeInvalidRequest)
	})

	t.Run("Should require a validated attestation before signing", func(t *testing.T) {
		env.client.ResetAttestation()
		_, err := env.client.SignMessage(ctx, token(t, "user-tx"), "hello", communications.ChainLayerSolana, "")
		require.ErrorIs(t, err, client.ErrAttestationNotValidated)
		_, err = env.client.SendOTP(ctx, token(t, "user-tx"), "123456", "")
		require.ErrorIs(t, err, client.ErrAttestationNotValidated)
	})
}

func Test_OTPLimits(t *testing.T) {
	t.Run("Should close the session after too many attempts", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		jwt := token(t, "user-otp")
		require.NoError(t, env.client.ValidateAttestation(ctx))
		signerID, err := env.client.CreateSigner(ctx, jwt, "email:otp@example.com", "")
		require.NoError(t, err)
		code := env.otps.Code(signerID)
		wrong := "999999"
		if code == wrong {
			wrong = "888888"
		}

		for i := 0; i < DefaultMaxOTPAttempts; i++ {
			_, err = env.client.SendOTP(ctx, jwt, wrong, "")
			requireRemoteCode(t, err, communications.CodeInvalidOTP)
		}
		assert.Contains(t, err.Error(), "too many attempts")

		_, err = env.client.SendOTP(ctx, jwt, code, "")
		requireRemoteCode(t, err, communications.CodeInvalidOTP)
		assert.Contains(t, err.Error(), "no otp challenge")

		// a new create-signer call reissues a code
		_, err = env.client.CreateSigner(ctx, jwt, "email:otp@example.com", "")
		require.NoError(t, err)
		_, err = env.client.SendOTP(ctx, jwt, env.otps.Code(signerID), "")
		require.NoError(t, err)
	})

	t.Run("Should reject an expired code", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		jwt := token(t, "user-late")
		require.NoError(t, env.client.ValidateAttestation(ctx))
		signerID, err := env.client.CreateSigner(ctx, jwt, "email:late@example.com", "")
		require.NoError(t, err)

		env.svc.mu.Lock()
		env.svc.now = func() time.Time { return time.Now().Add(DefaultOTPTimeout + time.Minute) }
		env.svc.mu.Unlock()

		_, err = env.client.SendOTP(ctx, jwt, env.otps.Code(signerID), "")
		requireRemoteCode(t, err, communications.CodeInvalidOTP)
		assert.Contains(t, err.Error(), "expired")

		session, err := env.store.LoadOTPSession(signerID)
		require.NoError(t, err)
		assert.Nil(t, session)
	})
}

func Test_Start(t *testing.T) {
	l := zap.NewNop()
	priv, pub := testRSAKeys(t)
	store := memory.NewMemoryPersistence(nil)
	verifier, err := auth.NewHMACVerifier(testSecret, auth.Options{}, l)
	require.NoError(t, err)

	now := time.Now().Unix()
	require.NoError(t, store.SaveOTPSession(&persistence.OTPSession{SignerID: "stale", StartTime: now - 3600}))
	require.NoError(t, store.SaveOTPSession(&persistence.OTPSession{SignerID: "fresh", StartTime: now}))
	require.NoError(t, store.SaveServiceState(&persistence.ServiceState{AttestationAddress: "0x0000000000000000000000000000000000000001"}))

	issuer, err := attestation.NewIssuer("", string(pub))
	require.NoError(t, err)
	svc, err := New(&Config{
		Persistence:      store,
		Keys:             localKeyGenerator.NewLocalKeyGenerator(l),
		Auth:             verifier,
		Attestation:      issuer,
		OTPPrivateKeyPEM: priv,
		Logger:           l,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	state, err := store.LoadServiceState()
	require.NoError(t, err)
	assert.Equal(t, issuer.Address(), state.AttestationAddress)
	assert.GreaterOrEqual(t, state.ServiceStartTime, now)

	sessions, err := store.ListOTPSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "fresh", sessions[0].SignerID)

	require.NoError(t, store.Close())
	require.Error(t, svc.Start(context.Background()))
}

func Test_New_Validation(t *testing.T) {
	l := zap.NewNop()
	_, err := New(nil)
	require.Error(t, err)
	_, err = New(&Config{Logger: l})
	require.Error(t, err)
	_, err = New(&Config{
		Logger:      l,
		Persistence: memory.NewMemoryPersistence(nil),
		Keys:        localKeyGenerator.NewLocalKeyGenerator(l),
		Auth:        &auth.JWTVerifier{},
		Attestation: &attestation.Issuer{},
	})
	require.ErrorContains(t, err, "otp private key")
}

func Test_EncodeError_HidesInternalErrors(t *testing.T) {
	svc := &Service{logger: zap.NewNop()}

	p := svc.encodeError(communications.EventSignMessageRequest, errors.New("disk on fire"))
	assert.Equal(t, communications.CodeInternal, p["code"])
	assert.Equal(t, "internal error", p["message"])
	assert.Equal(t, communications.EventSignMessageRequest, p["requestType"])

	p = svc.encodeError(communications.EventSignMessageRequest, communications.NewCodedError(communications.CodeInvalidOTP, "incorrect otp"))
	assert.Equal(t, communications.CodeInvalidOTP, p["code"])
	assert.Equal(t, "incorrect otp", p["message"])
}
