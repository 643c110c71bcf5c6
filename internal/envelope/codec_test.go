package envelope

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	attrs := map[string]string{
		AttrContentType: "application/json",
		AttrTraceID:     "t-1",
		"empty":         "",
	}
	b, err := Encode([]byte("hello world"), attrs)
	require.NoError(t, err)

	e, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), e.Payload)
	assert.Equal(t, attrs, e.Attributes)
	assert.Equal(t, 0, e.AttemptCount)
	assert.False(t, e.ID.IsZero())
}

func TestMarshalCarriesMetadata(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000).UTC()
	e := New([]byte("x"), nil, now)
	e.AttemptCount = 3
	e.AvailableAt = now.Add(time.Second)
	e.LastError = "downstream timeout"

	b, err := Marshal(e)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, 3, got.AttemptCount)
	assert.True(t, now.Equal(got.EnqueuedAt))
	assert.True(t, e.AvailableAt.Equal(got.AvailableAt))
	assert.Equal(t, "downstream timeout", got.LastError)
}

func TestFrameLayout(t *testing.T) {
	e := New([]byte("pay"), map[string]string{"k": "v"}, time.UnixMilli(1000))
	e.LastError = "boom"
	b, err := Marshal(e)
	require.NoError(t, err)

	off := headerSize + fixedBody
	off += 2 + len("k") + 4 + len("v")
	require.Equal(t, uint16(4), binary.BigEndian.Uint16(b[off:]), "lastError length follows the attributes")
	off += 2
	assert.Equal(t, "boom", string(b[off:off+4]))
	off += 4
	require.Equal(t, uint32(3), binary.BigEndian.Uint32(b[off:]))
	off += 4
	assert.Equal(t, "pay", string(b[off:off+3]))
	assert.Len(t, b, off+3+4, "crc32c trails the body")
}

func TestMarshalIsDeterministic(t *testing.T) {
	e := New([]byte("p"), map[string]string{"b": "2", "a": "1", "c": "3"}, time.UnixMilli(1000))
	first, err := Marshal(e)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(e)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	good, err := Encode([]byte("payload"), map[string]string{"k": "v"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:5] }},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"truncated body", func(b []byte) []byte { return b[:len(b)-3] }},
		{"length mismatch", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[4:8], binary.BigEndian.Uint32(b[4:8])+1)
			return b
		}},
		{"crc mismatch", func(b []byte) []byte { b[headerSize+20] ^= 0xff; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := tt.mutate(append([]byte(nil), good...))
			_, err := Decode(frame)
			require.ErrorIs(t, err, ErrMalformedEnvelope)
			assert.True(t, IsCodecError(err))
		})
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	b, err := Encode([]byte("p"), nil)
	require.NoError(t, err)
	b[2] = Version + 1
	_, err = Decode(b)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestMarshalRejectsEmptyAttributeKey(t *testing.T) {
	_, err := Encode([]byte("p"), map[string]string{"": "v"})
	require.ErrorIs(t, err, ErrEmptyAttributeKey)
}
