// Package client is the host side of the signer protocol: typed calls over a
// bus connected to a remote signer context, plus the attestation state that
// gates signing and OTP calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Crossmint/signer-bridge-go/pkg/encryption"
	"github.com/Crossmint/signer-bridge-go/pkg/rpc"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/attestation"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/communications"
	"github.com/Crossmint/signer-bridge-go/pkg/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAttestationNotValidated is returned by calls that need the remote's
// attested RSA key before ValidateAttestation succeeded.
var ErrAttestationNotValidated = errors.New("attestation not validated")

// Client issues signer requests. Calls for different operations may run
// concurrently; two concurrent calls of the same operation are rejected with
// rpc.ErrRequestInFlight.
type Client struct {
	correlator *rpc.Correlator
	verifier   *attestation.Verifier
	rsa        *encryption.RSAEncryption
	logger     *zap.Logger

	mu       sync.RWMutex
	attested *attestation.Document
}

// New builds a client on b. The remote's error event fails the matching
// in-flight call with an *rpc.RemoteError.
func New(b rpc.EventBus, verifier *attestation.Verifier, logger *zap.Logger, opts ...rpc.Option) (*Client, error) {
	if verifier == nil {
		return nil, fmt.Errorf("attestation verifier is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	opts = append([]rpc.Option{rpc.WithErrorEvent(communications.EventError, communications.DecodeError)}, opts...)
	correlator, err := rpc.NewCorrelator(b, logger, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		correlator: correlator,
		verifier:   verifier,
		rsa:        encryption.NewRSAEncryption(),
		logger:     logger,
	}, nil
}

func call[Req, Resp communications.Payloads](ctx context.Context, c *Client, op communications.Operation, req Req, opts ...rpc.RequestOption) (Resp, error) {
	var zero Resp
	payload, err := communications.ToPayload(req)
	if err != nil {
		return zero, fmt.Errorf("failed to build %s request: %w", op.Name, err)
	}
	resp, err := c.correlator.Request(ctx, op.Request, op.Response, payload, opts...)
	if err != nil {
		return zero, err
	}
	return communications.FromPayload[Resp](resp)
}

// CreateSigner creates (or returns the existing) signer for the JWT's
// subject. An empty chainLayer provisions every layer.
func (c *Client) CreateSigner(ctx context.Context, jwt, authID string, chainLayer communications.ChainLayer, opts ...rpc.RequestOption) (string, error) {
	resp, err := call[communications.CreateSignerRequest, communications.CreateSignerResponse](ctx, c, communications.OpCreateSigner,
		communications.CreateSignerRequest{JWT: jwt, AuthID: authID, ChainLayer: chainLayer}, opts...)
	if err != nil {
		return "", err
	}
	return resp.SignerID, nil
}

// GetAttestation fetches a document without validating it.
func (c *Client) GetAttestation(ctx context.Context, challenge string, opts ...rpc.RequestOption) (*attestation.Document, error) {
	resp, err := call[communications.GetAttestationRequest, communications.GetAttestationResponse](ctx, c, communications.OpGetAttestation,
		communications.GetAttestationRequest{Challenge: challenge}, opts...)
	if err != nil {
		return nil, err
	}
	return attestation.DocumentFromMap(resp.AttestationDocument)
}

// ValidateAttestation fetches a document for a fresh challenge and verifies
// it. Any failure clears previously validated state.
func (c *Client) ValidateAttestation(ctx context.Context, opts ...rpc.RequestOption) error {
	challenge := uuid.New().String()
	doc, err := c.GetAttestation(ctx, challenge, opts...)
	if err == nil {
		err = c.verifier.Verify(doc, challenge)
	}
	if err == nil {
		_, err = encryption.ParsePublicKey([]byte(doc.PublicKey))
	}
	if err != nil {
		c.ResetAttestation()
		c.logger.Sugar().Warnw("Attestation validation failed", "error", err)
		return fmt.Errorf("attestation validation failed: %w", err)
	}

	c.mu.Lock()
	c.attested = doc
	c.mu.Unlock()
	c.logger.Sugar().Infow("Attestation validated", "signer", doc.Signer, "issued_at", doc.IssuedAt)
	return nil
}

func (c *Client) IsAttestationValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attested != nil
}

func (c *Client) ResetAttestation() {
	c.mu.Lock()
	c.attested = nil
	c.mu.Unlock()
}

// AttestationPublicKey returns the attested RSA key PEM.
func (c *Client) AttestationPublicKey() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.attested == nil {
		return "", ErrAttestationNotValidated
	}
	return c.attested.PublicKey, nil
}

func (c *Client) requireAttestation() error {
	if !c.IsAttestationValid() {
		return ErrAttestationNotValidated
	}
	return nil
}

// SignMessage signs message with the signer's key for chainLayer. An empty
// encoding uses the layer default.
func (c *Client) SignMessage(ctx context.Context, jwt, message string, chainLayer communications.ChainLayer, encoding communications.Encoding, opts ...rpc.RequestOption) (*communications.SignatureResponse, error) {
	if err := c.requireAttestation(); err != nil {
		return nil, err
	}
	resp, err := call[communications.SignMessageRequest, communications.SignatureResponse](ctx, c, communications.OpSignMessage,
		communications.SignMessageRequest{JWT: jwt, Message: message, ChainLayer: chainLayer, Encoding: encoding}, opts...)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SignTransaction signs an opaque serialized transaction.
func (c *Client) SignTransaction(ctx context.Context, jwt, transaction string, chainLayer communications.ChainLayer, encoding communications.Encoding, opts ...rpc.RequestOption) (*communications.SignatureResponse, error) {
	if err := c.requireAttestation(); err != nil {
		return nil, err
	}
	resp, err := call[communications.SignTransactionRequest, communications.SignatureResponse](ctx, c, communications.OpSignTransaction,
		communications.SignTransactionRequest{JWT: jwt, Transaction: transaction, ChainLayer: chainLayer, Encoding: encoding}, opts...)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendOTP encrypts otp to the attested key and submits it. On success the
// signer's device is verified and the public key for chainLayer returned.
func (c *Client) SendOTP(ctx context.Context, jwt, otp string, chainLayer communications.ChainLayer, opts ...rpc.RequestOption) (*communications.SendOTPResponse, error) {
	publicKey, err := c.AttestationPublicKey()
	if err != nil {
		return nil, err
	}
	ciphertext, err := c.rsa.Encrypt([]byte(otp), []byte(publicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt otp: %w", err)
	}
	encoded, err := util.Encode(ciphertext, util.EncodingBase64)
	if err != nil {
		return nil, err
	}

	resp, err := call[communications.SendOTPRequest, communications.SendOTPResponse](ctx, c, communications.OpSendOTP,
		communications.SendOTPRequest{JWT: jwt, EncryptedOTP: encoded, ChainLayer: chainLayer}, opts...)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetPublicKey(ctx context.Context, jwt string, chainLayer communications.ChainLayer, opts ...rpc.RequestOption) (*communications.GetPublicKeyResponse, error) {
	resp, err := call[communications.GetPublicKeyRequest, communications.GetPublicKeyResponse](ctx, c, communications.OpGetPublicKey,
		communications.GetPublicKeyRequest{JWT: jwt, ChainLayer: chainLayer}, opts...)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetStatus(ctx context.Context, jwt string, opts ...rpc.RequestOption) (communications.SignerStatus, error) {
	resp, err := call[communications.GetStatusRequest, communications.GetStatusResponse](ctx, c, communications.OpGetStatus,
		communications.GetStatusRequest{JWT: jwt}, opts...)
	if err != nil {
		return "", err
	}
	return resp.SignerStatus, nil
}

// Close fails in-flight calls with rpc.ErrTeardown.
func (c *Client) Close() {
	c.correlator.Close()
}
