package communications

import (
	"errors"
	"fmt"

	"github.com/Crossmint/signer-bridge-go/pkg/rpc"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
)

type CreateSignerRequest struct {
	JWT        string     `json:"jwt"`
	AuthID     string     `json:"authId"`
	ChainLayer ChainLayer `json:"chainLayer,omitempty"`
	Version    int        `json:"version"`
}

type CreateSignerResponse struct {
	SignerID string `json:"signerId"`
	Version  int    `json:"version"`
}

type GetAttestationRequest struct {
	Challenge string `json:"challenge,omitempty"`
	Version   int    `json:"version"`
}

type GetAttestationResponse struct {
	AttestationDocument map[string]any `json:"attestationDocument"`
	Version             int            `json:"version"`
}

type SignMessageRequest struct {
	JWT        string     `json:"jwt"`
	Message    string     `json:"message"`
	ChainLayer ChainLayer `json:"chainLayer"`
	Encoding   Encoding   `json:"encoding,omitempty"`
	Version    int        `json:"version"`
}

type SignTransactionRequest struct {
	JWT         string     `json:"jwt"`
	Transaction string     `json:"transaction"`
	ChainLayer  ChainLayer `json:"chainLayer"`
	Encoding    Encoding   `json:"encoding,omitempty"`
	Version     int        `json:"version"`
}

// SignatureResponse answers both sign-message and sign-transaction.
type SignatureResponse struct {
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
	Version   int    `json:"version"`
}

// SendOTPRequest carries the base64 RSA-OAEP ciphertext of the code. The
// response returns the public key for ChainLayer (solana when omitted).
type SendOTPRequest struct {
	JWT          string     `json:"jwt"`
	EncryptedOTP string     `json:"encryptedOtp"`
	ChainLayer   ChainLayer `json:"chainLayer,omitempty"`
	Version      int        `json:"version"`
}

type SendOTPResponse struct {
	EncryptedOTP string `json:"encryptedOtp"`
	PublicKey    string `json:"publicKey"`
	Version      int    `json:"version"`
}

type GetPublicKeyRequest struct {
	JWT        string     `json:"jwt"`
	ChainLayer ChainLayer `json:"chainLayer"`
	Version    int        `json:"version"`
}

type GetPublicKeyResponse struct {
	PublicKey string  `json:"publicKey"`
	KeyType   KeyType `json:"keyType,omitempty"`
	Version   int     `json:"version"`
}

type GetStatusRequest struct {
	JWT     string `json:"jwt"`
	Version int    `json:"version"`
}

type GetStatusResponse struct {
	SignerStatus SignerStatus `json:"signerStatus"`
	Version      int          `json:"version"`
}

// ErrorPayload is the body of EventError.
type ErrorPayload struct {
	Code        string `json:"code,omitempty"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}

// Payloads are the structs that travel on the bus.
type Payloads interface {
	CreateSignerRequest | CreateSignerResponse |
		GetAttestationRequest | GetAttestationResponse |
		SignMessageRequest | SignTransactionRequest | SignatureResponse |
		SendOTPRequest | SendOTPResponse |
		GetPublicKeyRequest | GetPublicKeyResponse |
		GetStatusRequest | GetStatusResponse |
		ErrorPayload
}

// ToPayload converts v for the bus. A zero version becomes Version.
func ToPayload[T Payloads](v T) (types.Payload, error) {
	p, err := types.NewPayload(v)
	if err != nil {
		return nil, err
	}
	if _, isError := any(v).(ErrorPayload); isError {
		return p, nil
	}
	if n, ok := p.Version(); !ok || n == 0 {
		p[types.VersionKey] = float64(Version)
	}
	return p, nil
}

// FromPayload decodes an already validated payload.
func FromPayload[T Payloads](p types.Payload) (T, error) {
	var v T
	if err := p.Decode(&v); err != nil {
		return v, fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return v, nil
}

// EncodeError is an rpc.ErrorEncoder producing EventError payloads.
func EncodeError(requestEvent string, err error) types.Payload {
	e := ErrorPayload{Message: err.Error(), RequestType: requestEvent}
	var coded *CodedError
	if errors.As(err, &coded) {
		e.Code = coded.Code
		e.Message = coded.Message
	}
	p, _ := ToPayload(e)
	return p
}

// DecodeError is an rpc.ErrorDecoder for EventError payloads.
func DecodeError(p types.Payload) (string, error) {
	e, err := FromPayload[ErrorPayload](p)
	if err != nil {
		return "", err
	}
	return e.RequestType, &rpc.RemoteError{Code: e.Code, Message: e.Message, RequestEvent: e.RequestType}
}

// CodedError carries a machine readable code to the host.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func NewCodedError(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

const (
	CodeUnauthorized      = "unauthorized"
	CodeSignerNotFound    = "signer-not-found"
	CodeInvalidRequest    = "invalid-request"
	CodeInvalidOTP        = "invalid-otp"
	CodeDeviceNotVerified = "device-not-verified"
	CodeInternal          = "internal"
	CodeUnsupportedLayer  = "unsupported-chain-layer"
)
