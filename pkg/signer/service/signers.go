package service

import (
	"context"
	"fmt"

	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/communications"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var allChainLayers = []communications.ChainLayer{communications.ChainLayerSolana, communications.ChainLayerEVM}

// createSigner returns the caller's signer, creating it and any missing key
// for the requested layer. Unverified signers get a fresh OTP on every call.
func (s *Service) createSigner(ctx context.Context, req communications.CreateSignerRequest) (communications.CreateSignerResponse, error) {
	claims, err := s.authenticate(ctx, req.JWT)
	if err != nil {
		return communications.CreateSignerResponse{}, err
	}

	layers := allChainLayers
	if req.ChainLayer != "" {
		layers = []communications.ChainLayer{req.ChainLayer}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	signer, err := s.store.LoadSignerBySubject(claims.Subject)
	if err != nil {
		return communications.CreateSignerResponse{}, errors.Wrap(err, "failed to load signer")
	}

	now := s.now().Unix()
	created := signer == nil
	if created {
		signer = &persistence.SignerRecord{
			SignerID:  uuid.New().String(),
			Subject:   claims.Subject,
			AuthID:    req.AuthID,
			Keys:      make(map[string]*persistence.KeyRecord),
			CreatedAt: now,
		}
	}

	changed := created
	for _, layer := range layers {
		if signer.Key(string(layer)) != nil {
			continue
		}
		keyType := string(communications.KeyTypeFor(layer))
		generated, err := s.keys.GenerateKey(ctx, keyType, fmt.Sprintf("signer-%s-%s", signer.SignerID, layer))
		if err != nil {
			return communications.CreateSignerResponse{}, errors.Wrapf(err, "failed to generate %s key", layer)
		}
		signer.Keys[string(layer)] = generated.Record(string(layer))
		changed = true
	}

	if changed {
		signer.UpdatedAt = now
		if err := s.store.SaveSigner(signer); err != nil {
			return communications.CreateSignerResponse{}, errors.Wrap(err, "failed to save signer")
		}
	}

	if created {
		s.logger.Sugar().Infow("Signer created", "signer_id", signer.SignerID, "auth_id", signer.AuthID, "layers", layers)
	}

	if !signer.DeviceVerified {
		if err := s.issueOTP(ctx, signer); err != nil {
			return communications.CreateSignerResponse{}, err
		}
	}

	return communications.CreateSignerResponse{SignerID: signer.SignerID}, nil
}
