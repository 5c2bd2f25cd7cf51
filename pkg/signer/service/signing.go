package service

import (
	"context"

	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/communications"
	"github.com/Crossmint/signer-bridge-go/pkg/util"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// signMessage signs with EIP-191 personal_sign semantics on evm and the raw
// bytes on solana. The message is UTF-8 text unless an encoding is given.
func (s *Service) signMessage(ctx context.Context, req communications.SignMessageRequest) (communications.SignatureResponse, error) {
	message := []byte(req.Message)
	if req.Encoding != "" {
		decoded, err := util.Decode(req.Message, string(req.Encoding))
		if err != nil {
			return communications.SignatureResponse{}, communications.NewCodedError(communications.CodeInvalidRequest, "message is not valid %s", req.Encoding)
		}
		message = decoded
	}
	if req.ChainLayer == communications.ChainLayerEVM {
		message = accounts.TextHash(message)
	}
	return s.sign(ctx, req.JWT, req.ChainLayer, req.Encoding, message)
}

// signTransaction signs keccak256 of the serialized transaction on evm and
// the serialized message itself on solana.
func (s *Service) signTransaction(ctx context.Context, req communications.SignTransactionRequest) (communications.SignatureResponse, error) {
	encoding := req.Encoding
	if encoding == "" {
		encoding = communications.DefaultEncoding(req.ChainLayer)
	}
	tx, err := util.Decode(req.Transaction, string(encoding))
	if err != nil || len(tx) == 0 {
		return communications.SignatureResponse{}, communications.NewCodedError(communications.CodeInvalidRequest, "transaction is not valid %s", encoding)
	}
	if req.ChainLayer == communications.ChainLayerEVM {
		tx = crypto.Keccak256(tx)
	}
	return s.sign(ctx, req.JWT, req.ChainLayer, req.Encoding, tx)
}

func (s *Service) sign(ctx context.Context, jwt string, layer communications.ChainLayer, encoding communications.Encoding, message []byte) (communications.SignatureResponse, error) {
	signer, err := s.signerFor(ctx, jwt)
	if err != nil {
		return communications.SignatureResponse{}, err
	}
	if !signer.DeviceVerified {
		return communications.SignatureResponse{}, communications.NewCodedError(communications.CodeDeviceNotVerified, "verify this device with the otp first")
	}
	key, err := keyFor(signer, layer)
	if err != nil {
		return communications.SignatureResponse{}, err
	}

	sig, err := s.keys.Sign(ctx, key, message)
	if err != nil {
		return communications.SignatureResponse{}, errors.Wrapf(err, "failed to sign with %s key", layer)
	}

	if encoding == "" {
		encoding = communications.DefaultEncoding(layer)
	}
	signature, err := util.Encode(sig, string(encoding))
	if err != nil {
		return communications.SignatureResponse{}, err
	}
	publicKey, err := encodePublicKey(key, encoding)
	if err != nil {
		return communications.SignatureResponse{}, err
	}
	s.logger.Sugar().Debugw("Signed", "signer_id", signer.SignerID, "chain_layer", layer, "key_id", key.KeyID)
	return communications.SignatureResponse{Signature: signature, PublicKey: publicKey}, nil
}

func encodePublicKey(key *persistence.KeyRecord, encoding communications.Encoding) (string, error) {
	return util.Encode(key.PublicKey, string(encoding))
}
