package communications

import (
	"github.com/Crossmint/signer-bridge-go/pkg/schema"
)

// Version is the protocol version stamped on every request and response.
const Version = 1

const (
	EventCreateSignerRequest     = "request:create-signer"
	EventCreateSignerResponse    = "response:create-signer"
	EventGetAttestationRequest   = "request:get-attestation"
	EventGetAttestationResponse  = "response:get-attestation"
	EventSignMessageRequest      = "request:sign-message"
	EventSignMessageResponse     = "response:sign-message"
	EventSignTransactionRequest  = "request:sign-transaction"
	EventSignTransactionResponse = "response:sign-transaction"
	EventSendOTPRequest          = "request:send-otp"
	EventSendOTPResponse         = "response:send-otp"
	EventGetPublicKeyRequest     = "request:get-public-key"
	EventGetPublicKeyResponse    = "response:get-public-key"
	EventGetStatusRequest        = "request:get-status"
	EventGetStatusResponse       = "response:get-status"

	// EventError is sent by the remote instead of a response when a request
	// fails.
	EventError = "error"
)

type ChainLayer string

const (
	ChainLayerSolana ChainLayer = "solana"
	ChainLayerEVM    ChainLayer = "evm"
)

var chainLayers = []string{string(ChainLayerSolana), string(ChainLayerEVM)}

type Encoding string

const (
	EncodingBase58 Encoding = "base58"
	EncodingBase64 Encoding = "base64"
	EncodingHex    Encoding = "hex"
)

var encodings = []string{string(EncodingBase58), string(EncodingBase64), string(EncodingHex)}

// DefaultEncoding is used when a request omits the encoding.
func DefaultEncoding(layer ChainLayer) Encoding {
	if layer == ChainLayerEVM {
		return EncodingHex
	}
	return EncodingBase58
}

type KeyType string

const (
	KeyTypeSecp256k1 KeyType = "secp256k1"
	KeyTypeEd25519   KeyType = "ed25519"
)

// KeyTypeFor maps a chain layer to its signing curve.
func KeyTypeFor(layer ChainLayer) KeyType {
	if layer == ChainLayerEVM {
		return KeyTypeSecp256k1
	}
	return KeyTypeEd25519
}

type SignerStatus string

const (
	SignerStatusReady     SignerStatus = "ready"
	SignerStatusNewDevice SignerStatus = "new-device"
)

// Operation pairs a request event with its response event.
type Operation struct {
	Name          string
	Request       string
	Response      string
	Authenticated bool

	requestFields  []schema.Field
	responseFields []schema.Field
}

var (
	OpCreateSigner = Operation{
		Name: "create-signer", Request: EventCreateSignerRequest, Response: EventCreateSignerResponse, Authenticated: true,
		requestFields: []schema.Field{
			schema.NonEmptyString("authId"),
			schema.Enum("chainLayer", chainLayers...).Optional(),
		},
		responseFields: []schema.Field{
			schema.NonEmptyString("signerId"),
		},
	}
	OpGetAttestation = Operation{
		Name: "get-attestation", Request: EventGetAttestationRequest, Response: EventGetAttestationResponse,
		requestFields: []schema.Field{
			schema.String("challenge").Optional(),
		},
		responseFields: []schema.Field{
			schema.Map("attestationDocument"),
		},
	}
	OpSignMessage = Operation{
		Name: "sign-message", Request: EventSignMessageRequest, Response: EventSignMessageResponse, Authenticated: true,
		requestFields: []schema.Field{
			schema.String("message"),
			schema.Enum("chainLayer", chainLayers...),
			schema.Enum("encoding", encodings...).Optional(),
		},
		responseFields: signatureFields(),
	}
	OpSignTransaction = Operation{
		Name: "sign-transaction", Request: EventSignTransactionRequest, Response: EventSignTransactionResponse, Authenticated: true,
		requestFields: []schema.Field{
			schema.NonEmptyString("transaction"),
			schema.Enum("chainLayer", chainLayers...),
			schema.Enum("encoding", encodings...).Optional(),
		},
		responseFields: signatureFields(),
	}
	OpSendOTP = Operation{
		Name: "send-otp", Request: EventSendOTPRequest, Response: EventSendOTPResponse, Authenticated: true,
		requestFields: []schema.Field{
			schema.NonEmptyString("encryptedOtp"),
			schema.Enum("chainLayer", chainLayers...).Optional(),
		},
		responseFields: []schema.Field{
			schema.String("encryptedOtp"),
			schema.NonEmptyString("publicKey"),
		},
	}
	OpGetPublicKey = Operation{
		Name: "get-public-key", Request: EventGetPublicKeyRequest, Response: EventGetPublicKeyResponse, Authenticated: true,
		requestFields: []schema.Field{
			schema.Enum("chainLayer", chainLayers...),
		},
		responseFields: []schema.Field{
			schema.NonEmptyString("publicKey"),
			schema.Enum("keyType", string(KeyTypeSecp256k1), string(KeyTypeEd25519)).Optional(),
		},
	}
	OpGetStatus = Operation{
		Name: "get-status", Request: EventGetStatusRequest, Response: EventGetStatusResponse, Authenticated: true,
		responseFields: []schema.Field{
			schema.Enum("signerStatus", string(SignerStatusReady), string(SignerStatusNewDevice)),
		},
	}
)

// Operations lists the catalog in a fixed order.
var Operations = []Operation{
	OpCreateSigner,
	OpGetAttestation,
	OpSignMessage,
	OpSignTransaction,
	OpSendOTP,
	OpGetPublicKey,
	OpGetStatus,
}

func signatureFields() []schema.Field {
	return []schema.Field{
		schema.NonEmptyString("signature"),
		schema.NonEmptyString("publicKey"),
	}
}

// RequestSchema requires version, and jwt for authenticated operations.
func (op Operation) RequestSchema(d schema.Direction) schema.EventSchema {
	fields := []schema.Field{schema.Version()}
	if op.Authenticated {
		fields = append(fields, schema.NonEmptyString("jwt"))
	}
	fields = append(fields, op.requestFields...)
	return schema.NewEventSchema(op.Request, d, schema.Object(fields...))
}

// ResponseSchema requires version. Unlisted fields are ignored.
func (op Operation) ResponseSchema(d schema.Direction) schema.EventSchema {
	fields := append([]schema.Field{schema.Version()}, op.responseFields...)
	return schema.NewEventSchema(op.Response, d, schema.Object(fields...))
}

func errorSchema(d schema.Direction) schema.EventSchema {
	return schema.NewEventSchema(EventError, d, schema.Object(
		schema.String("message"),
		schema.String("code").Optional(),
		schema.String("requestType").Optional(),
	))
}

// HostContracts are the contracts of the side that issues requests.
func HostContracts() (incoming, outgoing *schema.Contract) {
	in := []schema.EventSchema{errorSchema(schema.Incoming)}
	out := make([]schema.EventSchema, 0, len(Operations))
	for _, op := range Operations {
		in = append(in, op.ResponseSchema(schema.Incoming))
		out = append(out, op.RequestSchema(schema.Outgoing))
	}
	return schema.MustContract(schema.Incoming, in...), schema.MustContract(schema.Outgoing, out...)
}

// RemoteContracts mirror HostContracts for the side that answers.
func RemoteContracts() (incoming, outgoing *schema.Contract) {
	in := make([]schema.EventSchema, 0, len(Operations))
	out := []schema.EventSchema{errorSchema(schema.Outgoing)}
	for _, op := range Operations {
		in = append(in, op.RequestSchema(schema.Incoming))
		out = append(out, op.ResponseSchema(schema.Outgoing))
	}
	return schema.MustContract(schema.Incoming, in...), schema.MustContract(schema.Outgoing, out...)
}
