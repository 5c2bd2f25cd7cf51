package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func FuzzEncodeDecodeRoundTrip(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte("hello"))
	f.Add([]byte{0, 0, 0, 1})

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > 1024 {
			data = data[:1024]
		}

		for _, encoding := range []string{EncodingBase58, EncodingBase64, EncodingHex} {
			encoded, err := Encode(data, encoding)
			require.NoError(t, err)

			decoded, err := Decode(encoded, encoding)
			require.NoError(t, err)
			require.Equal(t, len(data), len(decoded))
			if len(data) > 0 {
				require.Equal(t, data, decoded)
			}
		}
	})
}
