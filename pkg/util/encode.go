// Package util converts signer bytes to and from the string encodings the
// protocol carries (base58 for solana, hex for evm, base64 on request).
package util

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mr-tron/base58"
)

// Supported encodings.
const (
	EncodingBase58 = "base58"
	EncodingBase64 = "base64"
	EncodingHex    = "hex"
)

// Encode renders data in the named encoding. Hex output carries the 0x
// prefix.
func Encode(data []byte, encoding string) (string, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Encode(data), nil
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(data), nil
	case EncodingHex:
		return hexutil.Encode(data), nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// Decode parses s in the named encoding. Hex input may omit the 0x prefix.
func Decode(s, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		if s == "" {
			return []byte{}, nil
		}
		out, err := base58.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base58: %w", err)
		}
		return out, nil
	case EncodingBase64:
		out, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %w", err)
		}
		return out, nil
	case EncodingHex:
		if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
			s = "0x" + s
		}
		out, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}
