package compression

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReader_DetectsAlgorithm(t *testing.T) {
	payload := []byte(`[0, "a", "b", "c"]`)

	for _, alg := range []Algorithm{None, Gzip, Zstd, LZ4} {
		t.Run(string(alg), func(t *testing.T) {
			packed, err := Compress(payload, alg)
			require.NoError(t, err)
			assert.Equal(t, alg, Detect(packed))

			rc, detected, err := NewReader(bytes.NewReader(packed))
			require.NoError(t, err)
			defer rc.Close()

			assert.Equal(t, alg, detected)
			out, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestNewReader_ShortInput(t *testing.T) {
	rc, alg, err := NewReader(bytes.NewReader([]byte("[]")))
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, None, alg)
	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}

func TestDecompress_TruncatedGzip(t *testing.T) {
	packed, err := Compress(bytes.Repeat([]byte("property "), 1000), Gzip)
	require.NoError(t, err)

	_, err = Decompress(packed[:len(packed)/2])
	assert.Error(t, err)
}

func TestNewReaderFor_Unsupported(t *testing.T) {
	_, err := NewReaderFor(bytes.NewReader(nil), Algorithm("brotli"))
	assert.Error(t, err)
}
