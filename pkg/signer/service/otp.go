package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/communications"
	"github.com/Crossmint/signer-bridge-go/pkg/util"
	"github.com/pkg/errors"
)

const otpDigits = 6

var otpSpace = big.NewInt(1_000_000)

func newOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

func hashOTP(code string) []byte {
	sum := sha256.Sum256([]byte(code))
	return sum[:]
}

// issueOTP replaces any open session for signer and sends the new code.
// Caller holds s.mu.
func (s *Service) issueOTP(ctx context.Context, signer *persistence.SignerRecord) error {
	code, err := newOTPCode()
	if err != nil {
		return errors.Wrap(err, "failed to generate otp")
	}
	session := &persistence.OTPSession{
		SignerID:  signer.SignerID,
		CodeHash:  hashOTP(code),
		StartTime: s.now().Unix(),
	}
	if err := s.store.SaveOTPSession(session); err != nil {
		return errors.Wrap(err, "failed to save otp session")
	}
	if err := s.otpSender.SendOTP(ctx, signer, code); err != nil {
		return errors.Wrap(err, "failed to deliver otp")
	}
	s.logger.Sugar().Debugw("OTP issued", "signer_id", signer.SignerID)
	return nil
}

// sendOTP verifies the code the host encrypted to the attested key. Success
// marks the device verified and returns the public key for the requested
// layer.
func (s *Service) sendOTP(ctx context.Context, req communications.SendOTPRequest) (communications.SendOTPResponse, error) {
	signer, err := s.signerFor(ctx, req.JWT)
	if err != nil {
		return communications.SendOTPResponse{}, err
	}

	layer := req.ChainLayer
	if layer == "" {
		layer = communications.ChainLayerSolana
		if signer.Key(string(layer)) == nil && signer.Key(string(communications.ChainLayerEVM)) != nil {
			layer = communications.ChainLayerEVM
		}
	}
	key, err := keyFor(signer, layer)
	if err != nil {
		return communications.SendOTPResponse{}, err
	}

	ciphertext, err := util.Decode(req.EncryptedOTP, util.EncodingBase64)
	if err != nil {
		return communications.SendOTPResponse{}, communications.NewCodedError(communications.CodeInvalidRequest, "encryptedOtp must be base64")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.store.LoadOTPSession(signer.SignerID)
	if err != nil {
		return communications.SendOTPResponse{}, errors.Wrap(err, "failed to load otp session")
	}
	if session == nil {
		return communications.SendOTPResponse{}, communications.NewCodedError(communications.CodeInvalidOTP, "no otp challenge is open")
	}
	if s.otpExpired(session) {
		if err := s.store.DeleteOTPSession(signer.SignerID); err != nil {
			return communications.SendOTPResponse{}, errors.Wrap(err, "failed to delete otp session")
		}
		return communications.SendOTPResponse{}, communications.NewCodedError(communications.CodeInvalidOTP, "otp expired")
	}

	var matched bool
	if code, err := s.rsa.Decrypt(ciphertext, s.otpKey); err == nil {
		matched = subtle.ConstantTimeCompare(hashOTP(string(code)), session.CodeHash) == 1
	} else {
		s.logger.Sugar().Debugw("Failed to decrypt otp", "signer_id", signer.SignerID, "error", err)
	}

	if !matched {
		session.Attempts++
		if session.Attempts >= s.maxOTPAttempts {
			if err := s.store.DeleteOTPSession(signer.SignerID); err != nil {
				return communications.SendOTPResponse{}, errors.Wrap(err, "failed to delete otp session")
			}
			s.logger.Sugar().Warnw("OTP attempts exhausted", "signer_id", signer.SignerID, "attempts", session.Attempts)
			return communications.SendOTPResponse{}, communications.NewCodedError(communications.CodeInvalidOTP, "too many attempts; request a new code")
		}
		if err := s.store.SaveOTPSession(session); err != nil {
			return communications.SendOTPResponse{}, errors.Wrap(err, "failed to save otp session")
		}
		return communications.SendOTPResponse{}, communications.NewCodedError(communications.CodeInvalidOTP, "incorrect otp")
	}

	if err := s.store.DeleteOTPSession(signer.SignerID); err != nil {
		return communications.SendOTPResponse{}, errors.Wrap(err, "failed to delete otp session")
	}
	signer.DeviceVerified = true
	signer.UpdatedAt = s.now().Unix()
	if err := s.store.SaveSigner(signer); err != nil {
		return communications.SendOTPResponse{}, errors.Wrap(err, "failed to save signer")
	}
	s.logger.Sugar().Infow("Device verified", "signer_id", signer.SignerID)

	publicKey, err := encodePublicKey(key, communications.DefaultEncoding(layer))
	if err != nil {
		return communications.SendOTPResponse{}, err
	}
	return communications.SendOTPResponse{EncryptedOTP: req.EncryptedOTP, PublicKey: publicKey}, nil
}
