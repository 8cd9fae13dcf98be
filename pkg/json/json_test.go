package json

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalar(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`["text", 42, 9007199254740993, 1.5, true, false, null, [1,2], {"a":1}]`))
	var raw []interface{}
	require.NoError(t, dec.Decode(&raw))

	want := []interface{}{
		"text",
		int64(42),
		int64(9007199254740993),
		1.5,
		int64(1),
		int64(0),
		nil,
		"[1,2]",
		`{"a":1}`,
	}
	require.Len(t, raw, len(want))
	for i, v := range raw {
		got, err := Scalar(v)
		require.NoError(t, err)
		assert.Equal(t, want[i], got, "element %d", i)
	}
}

func TestBufferPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("leftover")
	PutBuffer(buf)

	assert.Equal(t, 0, GetBuffer().Len())
}
