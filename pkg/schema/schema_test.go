package schema

import (
	"errors"
	"testing"

	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signMessageSchema() EventSchema {
	return NewEventSchema("request:sign-message", Outgoing, Object(
		NonEmptyString("jwt"),
		String("message"),
		Enum("chainLayer", "solana", "evm"),
		Enum("encoding", "base58", "base64", "hex").Optional(),
		Version(),
	))
}

func TestEventSchema_Validate(t *testing.T) {
	s := signMessageSchema()

	tests := []struct {
		name    string
		payload types.Payload
		errPart string
	}{
		{
			name:    "valid",
			payload: types.Payload{"jwt": "abc", "message": "hello", "chainLayer": "solana", "version": float64(1)},
		},
		{
			name:    "extra fields are ignored",
			payload: types.Payload{"jwt": "abc", "message": "", "chainLayer": "evm", "version": float64(1), "extra": true},
		},
		{
			name:    "missing jwt",
			payload: types.Payload{"message": "hello", "chainLayer": "solana", "version": float64(1)},
			errPart: "jwt is required",
		},
		{
			name:    "empty jwt",
			payload: types.Payload{"jwt": "", "message": "hello", "chainLayer": "solana", "version": float64(1)},
			errPart: "jwt",
		},
		{
			name:    "unsupported chain layer",
			payload: types.Payload{"jwt": "abc", "message": "hello", "chainLayer": "bitcoin", "version": float64(1)},
			errPart: "chainLayer",
		},
		{
			name:    "fractional version",
			payload: types.Payload{"jwt": "abc", "message": "hello", "chainLayer": "solana", "version": 1.5},
			errPart: "version",
		},
		{
			name:    "zero version",
			payload: types.Payload{"jwt": "abc", "message": "hello", "chainLayer": "solana", "version": float64(0)},
			errPart: "version",
		},
		{
			name:    "wrong optional type",
			payload: types.Payload{"jwt": "abc", "message": "hello", "chainLayer": "solana", "version": float64(1), "encoding": 5},
			errPart: "encoding",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.payload)
			if tt.errPart == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Contains(t, err.Error(), tt.errPart)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "request:sign-message", verr.Event)
			assert.NotEmpty(t, verr.Errors)
		})
	}
}

func TestEventSchema_NilPayloadAndMap(t *testing.T) {
	empty := NewEventSchema("request:get-attestation", Outgoing, nil)
	require.NoError(t, empty.Validate(nil))

	doc := NewEventSchema("response:get-attestation", Incoming, Object(Map("attestationDocument"), Version()))
	require.NoError(t, doc.Validate(types.Payload{"attestationDocument": map[string]any{"a": 1}, "version": float64(1)}))
	require.Error(t, doc.Validate(types.Payload{"attestationDocument": "nope", "version": float64(1)}))
}

func TestContract(t *testing.T) {
	out, err := NewContract(Outgoing, signMessageSchema())
	require.NoError(t, err)
	assert.True(t, out.Has("request:sign-message"))
	assert.False(t, out.Has("response:sign-message"))
	assert.Equal(t, []string{"request:sign-message"}, out.Names())

	_, err = NewContract(Outgoing, signMessageSchema(), signMessageSchema())
	require.ErrorContains(t, err, "duplicate")

	_, err = NewContract(Incoming, signMessageSchema())
	require.ErrorContains(t, err, "is outgoing but contract is incoming")

	_, err = NewContract(Outgoing, NewEventSchema("", Outgoing, nil))
	require.Error(t, err)

	other := MustContract(Outgoing, NewEventSchema("handshakeRequest", Outgoing, nil))
	merged, err := out.Merge(other)
	require.NoError(t, err)
	assert.Equal(t, []string{"handshakeRequest", "request:sign-message"}, merged.Names())

	_, err = merged.Merge(other)
	require.Error(t, err)

	in := MustContract(Incoming, NewEventSchema("request:sign-message", Incoming, nil))
	require.Error(t, Disjoint(out, in))
	require.NoError(t, Disjoint(other, MustContract(Incoming)))

	var nilContract *Contract
	assert.False(t, nilContract.Has("x"))
}
