// Package service is the remote side of the signer protocol. It owns signer
// keys, gates them behind JWT authentication and an OTP device check, and
// answers every request event on a bus.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Crossmint/signer-bridge-go/internal/keyGenerator"
	"github.com/Crossmint/signer-bridge-go/pkg/encryption"
	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/Crossmint/signer-bridge-go/pkg/rpc"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/attestation"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/auth"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/communications"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultOTPTimeout     = 5 * time.Minute
	DefaultMaxOTPAttempts = 3
)

// OTPSender delivers a freshly issued code to the signer's owner out of band.
type OTPSender interface {
	SendOTP(ctx context.Context, signer *persistence.SignerRecord, code string) error
}

// LogOTPSender writes codes to the log. Development only.
type LogOTPSender struct {
	Logger *zap.Logger
}

func (l *LogOTPSender) SendOTP(_ context.Context, signer *persistence.SignerRecord, code string) error {
	l.Logger.Sugar().Warnw("OTP issued (log sender, do not use in production)",
		"signer_id", signer.SignerID, "auth_id", signer.AuthID, "code", code)
	return nil
}

type Config struct {
	Persistence persistence.ISignerPersistence
	Keys        keyGenerator.IKeyGenerator
	Auth        auth.Verifier
	Attestation *attestation.Issuer
	// OTPPrivateKeyPEM opens the codes hosts encrypt to the attested key.
	OTPPrivateKeyPEM []byte
	OTPSender        OTPSender
	OTPTimeout       time.Duration
	MaxOTPAttempts   int
	// HandlerTimeout bounds each request. Zero uses rpc.DefaultTimeout.
	HandlerTimeout time.Duration
	Logger         *zap.Logger
}

// Service answers signer requests.
type Service struct {
	store       persistence.ISignerPersistence
	keys        keyGenerator.IKeyGenerator
	auth        auth.Verifier
	attestation *attestation.Issuer
	otpKey      []byte
	otpSender   OTPSender
	rsa         *encryption.RSAEncryption

	otpTimeout     time.Duration
	maxOTPAttempts int
	handlerTimeout time.Duration

	logger *zap.Logger
	now    func() time.Time

	// serializes read-modify-write cycles on signer and OTP records
	mu sync.Mutex
}

func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Persistence == nil {
		return nil, fmt.Errorf("persistence is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key generator is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth verifier is required")
	}
	if cfg.Attestation == nil {
		return nil, fmt.Errorf("attestation issuer is required")
	}
	if _, err := encryption.ParsePrivateKey(cfg.OTPPrivateKeyPEM); err != nil {
		return nil, errors.Wrap(err, "invalid otp private key")
	}

	s := &Service{
		store:          cfg.Persistence,
		keys:           cfg.Keys,
		auth:           cfg.Auth,
		attestation:    cfg.Attestation,
		otpKey:         cfg.OTPPrivateKeyPEM,
		otpSender:      cfg.OTPSender,
		rsa:            encryption.NewRSAEncryption(),
		otpTimeout:     cfg.OTPTimeout,
		maxOTPAttempts: cfg.MaxOTPAttempts,
		handlerTimeout: cfg.HandlerTimeout,
		logger:         cfg.Logger,
		now:            time.Now,
	}
	if s.otpSender == nil {
		s.otpSender = &LogOTPSender{Logger: cfg.Logger}
	}
	if s.otpTimeout <= 0 {
		s.otpTimeout = DefaultOTPTimeout
	}
	if s.maxOTPAttempts <= 0 {
		s.maxOTPAttempts = DefaultMaxOTPAttempts
	}
	if s.handlerTimeout <= 0 {
		s.handlerTimeout = rpc.DefaultTimeout
	}
	return s, nil
}

// Start records the service state and purges expired OTP sessions. Call it
// once before Serve.
func (s *Service) Start(ctx context.Context) error {
	if err := s.store.HealthCheck(); err != nil {
		return errors.Wrap(err, "persistence is unhealthy")
	}

	previous, err := s.store.LoadServiceState()
	if err != nil {
		return errors.Wrap(err, "failed to load service state")
	}
	address := s.attestation.Address()
	if previous != nil && previous.AttestationAddress != "" && previous.AttestationAddress != address {
		s.logger.Sugar().Warnw("Attestation key changed since last start; hosts pinning the old address will reject this service",
			"previous_address", previous.AttestationAddress, "address", address)
	}
	state := &persistence.ServiceState{ServiceStartTime: s.now().Unix(), AttestationAddress: address}
	if err := s.store.SaveServiceState(state); err != nil {
		return errors.Wrap(err, "failed to save service state")
	}

	purged, err := s.purgeExpiredOTPSessions()
	if err != nil {
		return err
	}
	s.logger.Sugar().Infow("Signer service started", "attestation_address", address, "purged_otp_sessions", purged)
	return nil
}

func (s *Service) purgeExpiredOTPSessions() (int, error) {
	sessions, err := s.store.ListOTPSessions()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list otp sessions")
	}
	purged := 0
	for _, session := range sessions {
		if !s.otpExpired(session) {
			continue
		}
		if err := s.store.DeleteOTPSession(session.SignerID); err != nil {
			return purged, errors.Wrapf(err, "failed to delete otp session %s", session.SignerID)
		}
		purged++
	}
	return purged, nil
}

func (s *Service) otpExpired(session *persistence.OTPSession) bool {
	return session.IsExpired(s.now(), s.otpTimeout)
}

// Serve answers every signer request on b until b closes or the returned
// server is closed. Failures are answered with the error event.
func (s *Service) Serve(b rpc.EventBus) (*rpc.Server, error) {
	server, err := rpc.NewServer(b, s.logger,
		rpc.WithErrorReply(communications.EventError, s.encodeError),
		rpc.WithHandlerTimeout(s.handlerTimeout),
	)
	if err != nil {
		return nil, err
	}

	handlers := map[string]rpc.ReplyFunc{
		communications.OpCreateSigner.Name:    reply(s.createSigner),
		communications.OpGetAttestation.Name:  reply(s.getAttestation),
		communications.OpSignMessage.Name:     reply(s.signMessage),
		communications.OpSignTransaction.Name: reply(s.signTransaction),
		communications.OpSendOTP.Name:         reply(s.sendOTP),
		communications.OpGetPublicKey.Name:    reply(s.getPublicKey),
		communications.OpGetStatus.Name:       reply(s.getStatus),
	}
	for _, op := range communications.Operations {
		h, ok := handlers[op.Name]
		if !ok {
			server.Close()
			return nil, fmt.Errorf("no handler for operation %s", op.Name)
		}
		if err := server.Handle(op.Request, op.Response, h); err != nil {
			server.Close()
			return nil, err
		}
	}
	return server, nil
}

func reply[Req, Resp communications.Payloads](fn func(ctx context.Context, req Req) (Resp, error)) rpc.ReplyFunc {
	return func(ctx context.Context, payload types.Payload) (types.Payload, error) {
		req, err := communications.FromPayload[Req](payload)
		if err != nil {
			return nil, communications.NewCodedError(communications.CodeInvalidRequest, "%v", err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return communications.ToPayload(resp)
	}
}

// encodeError hides internal failures from the host.
func (s *Service) encodeError(requestEvent string, err error) types.Payload {
	var coded *communications.CodedError
	if !errors.As(err, &coded) {
		s.logger.Sugar().Errorw("Signer request failed", "event", requestEvent, "error", err)
		err = communications.NewCodedError(communications.CodeInternal, "internal error")
	}
	return communications.EncodeError(requestEvent, err)
}

func (s *Service) authenticate(ctx context.Context, jwt string) (*auth.Claims, error) {
	claims, err := s.auth.Verify(ctx, jwt)
	if err != nil {
		s.logger.Sugar().Debugw("Rejected request token", "error", err)
		return nil, communications.NewCodedError(communications.CodeUnauthorized, "invalid or expired token")
	}
	return claims, nil
}

// signerFor authenticates jwt and loads the caller's signer.
func (s *Service) signerFor(ctx context.Context, jwt string) (*persistence.SignerRecord, error) {
	claims, err := s.authenticate(ctx, jwt)
	if err != nil {
		return nil, err
	}
	signer, err := s.store.LoadSignerBySubject(claims.Subject)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load signer")
	}
	if signer == nil {
		return nil, communications.NewCodedError(communications.CodeSignerNotFound, "no signer for this user")
	}
	return signer, nil
}

func (s *Service) getAttestation(_ context.Context, req communications.GetAttestationRequest) (communications.GetAttestationResponse, error) {
	doc, err := s.attestation.Issue(req.Challenge)
	if err != nil {
		return communications.GetAttestationResponse{}, err
	}
	m, err := doc.ToMap()
	if err != nil {
		return communications.GetAttestationResponse{}, err
	}
	return communications.GetAttestationResponse{AttestationDocument: m}, nil
}

func (s *Service) getStatus(ctx context.Context, req communications.GetStatusRequest) (communications.GetStatusResponse, error) {
	signer, err := s.signerFor(ctx, req.JWT)
	if err != nil {
		return communications.GetStatusResponse{}, err
	}
	status := communications.SignerStatusNewDevice
	if signer.DeviceVerified {
		status = communications.SignerStatusReady
	}
	return communications.GetStatusResponse{SignerStatus: status}, nil
}

func (s *Service) getPublicKey(ctx context.Context, req communications.GetPublicKeyRequest) (communications.GetPublicKeyResponse, error) {
	signer, err := s.signerFor(ctx, req.JWT)
	if err != nil {
		return communications.GetPublicKeyResponse{}, err
	}
	key, err := keyFor(signer, req.ChainLayer)
	if err != nil {
		return communications.GetPublicKeyResponse{}, err
	}
	publicKey, err := encodePublicKey(key, communications.DefaultEncoding(req.ChainLayer))
	if err != nil {
		return communications.GetPublicKeyResponse{}, err
	}
	return communications.GetPublicKeyResponse{PublicKey: publicKey, KeyType: communications.KeyType(key.KeyType)}, nil
}

func keyFor(signer *persistence.SignerRecord, layer communications.ChainLayer) (*persistence.KeyRecord, error) {
	key := signer.Key(string(layer))
	if key == nil {
		return nil, communications.NewCodedError(communications.CodeUnsupportedLayer, "signer has no %s key", layer)
	}
	return key, nil
}
