package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
)

// MarshalSignerRecord serializes a SignerRecord to JSON bytes.
func MarshalSignerRecord(s *SignerRecord) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("cannot marshal nil SignerRecord")
	}

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SignerRecord to JSON: %w", err)
	}

	return data, nil
}

// UnmarshalSignerRecord deserializes a SignerRecord from JSON bytes.
func UnmarshalSignerRecord(data []byte) (*SignerRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var s SignerRecord
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to SignerRecord: %w", err)
	}
	if s.SignerID == "" {
		return nil, fmt.Errorf("signer record is missing signerId")
	}
	if s.Keys == nil {
		s.Keys = make(map[string]*KeyRecord)
	}

	return &s, nil
}

// MarshalOTPSession serializes an OTPSession to JSON bytes.
func MarshalOTPSession(s *OTPSession) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("cannot marshal nil OTPSession")
	}

	return json.Marshal(s)
}

// UnmarshalOTPSession deserializes an OTPSession from JSON bytes.
func UnmarshalOTPSession(data []byte) (*OTPSession, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var s OTPSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to OTPSession: %w", err)
	}

	return &s, nil
}

// MarshalServiceState serializes ServiceState to JSON bytes.
func MarshalServiceState(s *ServiceState) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("cannot marshal nil ServiceState")
	}

	return json.Marshal(s)
}

// UnmarshalServiceState deserializes ServiceState from JSON bytes.
func UnmarshalServiceState(data []byte) (*ServiceState, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var s ServiceState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to ServiceState: %w", err)
	}

	return &s, nil
}

// SortSigners orders signers by CreatedAt, then SignerID. Every backend uses
// it so listings are stable.
func SortSigners(signers []*SignerRecord) {
	sort.Slice(signers, func(i, j int) bool {
		if signers[i].CreatedAt != signers[j].CreatedAt {
			return signers[i].CreatedAt < signers[j].CreatedAt
		}
		return signers[i].SignerID < signers[j].SignerID
	})
}
