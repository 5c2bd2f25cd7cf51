package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Crossmint/signer-bridge-go/internal/keyGenerator/localKeyGenerator"
	"github.com/Crossmint/signer-bridge-go/pkg/encryption"
	"github.com/Crossmint/signer-bridge-go/pkg/logger"
	"github.com/Crossmint/signer-bridge-go/pkg/origin"
	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/Crossmint/signer-bridge-go/pkg/persistence/memory"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/attestation"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/auth"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/bridge"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/service"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/transport/websocketTransport"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const HostOrigin = "https://app.example.com"

var jwtSecret = []byte("signer-bridge-integration-secret-0123")

// CodeRecorder keeps the last OTP issued per signer.
type CodeRecorder struct {
	mu    sync.Mutex
	codes map[string]string
}

func (r *CodeRecorder) SendOTP(_ context.Context, signer *persistence.SignerRecord, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[signer.SignerID] = code
	return nil
}

func (r *CodeRecorder) Code(signerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codes[signerID]
}

// TestService is a started signer service with in-memory persistence, local
// keys and HS256 JWTs signed by Token.
type TestService struct {
	Service *service.Service
	Store   *memory.MemoryPersistence
	Issuer  *attestation.Issuer
	Codes   *CodeRecorder
	Logger  *zap.Logger
}

func NewTestService(t *testing.T) *TestService {
	t.Helper()
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	priv, pub, err := encryption.GenerateKeyPair(encryption.MinKeyBits)
	require.NoError(t, err)
	issuer, err := attestation.NewIssuer("", string(pub))
	require.NoError(t, err)
	verifier, err := auth.NewHMACVerifier(jwtSecret, auth.Options{}, l)
	require.NoError(t, err)

	store := memory.NewMemoryPersistence(l)
	codes := &CodeRecorder{codes: make(map[string]string)}
	svc, err := service.New(&service.Config{
		Persistence:      store,
		Keys:             localKeyGenerator.NewLocalKeyGenerator(l),
		Auth:             verifier,
		Attestation:      issuer,
		OTPPrivateKeyPEM: priv,
		OTPSender:        codes,
		Logger:           l,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	return &TestService{Service: svc, Store: store, Issuer: issuer, Codes: codes, Logger: l}
}

// Verifier trusts only this service's attestation key.
func (s *TestService) Verifier(t *testing.T) *attestation.Verifier {
	t.Helper()
	v, err := attestation.NewVerifier(attestation.VerifierOptions{Trusted: []string{s.Issuer.Address()}})
	require.NoError(t, err)
	return v
}

// Token signs a JWT for subject that test services accept.
func Token(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.SubjectKey, subject))
	require.NoError(t, tok.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), jwtSecret))
	require.NoError(t, err)
	return string(signed)
}

// TestBridge is a TestService served over WebSocket on a local test server.
type TestBridge struct {
	*TestService
	Server *httptest.Server
	// URL is the ws:// address hosts dial.
	URL string

	Options *bridge.Options
}

// NewTestBridge starts a bridge that accepts hosts from allowedOrigins, or
// HostOrigin when none are given. Everything stops on test cleanup.
func NewTestBridge(t *testing.T, allowedOrigins ...string) *TestBridge {
	t.Helper()
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{HostOrigin}
	}
	ts := NewTestService(t)
	l := ts.Logger

	policy, err := origin.NewPolicy(allowedOrigins...)
	require.NoError(t, err)
	opts := &bridge.Options{
		Channel:           &transport.ChannelConfig{Policy: policy},
		HandshakeTimeout:  5 * time.Second,
		HandshakeInterval: 50 * time.Millisecond,
		RequestTimeout:    5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	handler, err := websocketTransport.NewHandler(policy, func(_ *http.Request, ep *websocketTransport.WebsocketEndpoint) {
		if err := bridge.Serve(ctx, ep, ts.Service, opts, l); err != nil {
			l.Sugar().Warnw("Test session ended with error", "error", err)
		}
	}, l)
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return &TestBridge{
		TestService: ts,
		Server:      server,
		URL:         "ws" + strings.TrimPrefix(server.URL, "http") + "/",
		Options:     opts,
	}
}

// Connect dials the bridge as selfOrigin, trusting the bridge's attestation
// key. The session closes on test cleanup.
func (b *TestBridge) Connect(ctx context.Context, t *testing.T, selfOrigin string) (*bridge.Session, error) {
	t.Helper()
	ep, err := websocketTransport.Dial(ctx, b.URL, selfOrigin, b.Logger)
	if err != nil {
		return nil, err
	}
	session, err := bridge.Connect(ctx, ep, b.Verifier(t), &bridge.Options{
		HandshakeTimeout:  b.Options.HandshakeTimeout,
		HandshakeInterval: b.Options.HandshakeInterval,
		RequestTimeout:    b.Options.RequestTimeout,
	}, b.Logger)
	if err != nil {
		return nil, err
	}
	t.Cleanup(session.Close)
	return session, nil
}
