package resp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeArgs(args ...string) []byte {
	parts := make([][]byte, len(args))
	for i, a := range args {
		parts[i] = []byte(a)
	}
	return EncodeArray(parts)
}

func TestDecodeRoundTrip(t *testing.T) {
	buf := encodeArgs("SET", "foo", "bar")

	frame, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, KindSet, frame.Kind)
	require.Len(t, frame.Args, 2)
	assert.Equal(t, "foo", string(frame.Args[0]))
	assert.Equal(t, "bar", string(frame.Args[1]))
	assert.Equal(t, buf, frame.Raw)
}

func TestDecodeCaseInsensitiveCommand(t *testing.T) {
	buf := encodeArgs("set", "foo", "bar")
	frame, _, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, KindSet, frame.Kind)
}

func TestDecodeUnknownCommand(t *testing.T) {
	buf := encodeArgs("FLUSHALL")
	frame, _, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, frame.Kind)
}

func TestDecodeIncremental(t *testing.T) {
	f1 := encodeArgs("PING")
	f2 := encodeArgs("ECHO", "hi")
	combined := append(append([]byte{}, f1...), f2...)

	for i := 0; i < len(f1); i++ {
		_, _, err := Decode(combined[:i])
		assert.ErrorIs(t, err, ErrIncomplete, "at %d bytes of frame 1", i)
	}

	frame, consumed, err := Decode(combined[:len(f1)])
	require.NoError(t, err)
	assert.Equal(t, len(f1), consumed)
	assert.Equal(t, KindPing, frame.Kind)

	// The caller drains the consumed frame 1 before decoding again.
	rest := combined[consumed:]
	for i := len(f1); i < len(combined); i++ {
		_, _, err := Decode(rest[:i-len(f1)])
		assert.ErrorIs(t, err, ErrIncomplete, "at %d bytes into frame 2", i)
	}

	frame2, consumed2, err := Decode(rest)
	require.NoError(t, err)
	assert.Equal(t, len(combined), consumed+consumed2)
	assert.Equal(t, KindEcho, frame2.Kind)
}

func TestDecodeFramingBoundary(t *testing.T) {
	full := encodeArgs("SET", "k", "v")
	for n := 0; n < len(full); n++ {
		_, _, err := Decode(full[:n])
		assert.ErrorIs(t, err, ErrIncomplete)
	}
}

func TestDecodeBinarySafePayload(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xff, '\r', '\n', 'x'}
	buf := EncodeArray([][]byte{[]byte("ECHO"), payload})
	frame, _, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, frame.Args[0])
}

func TestDecodeMalformedNotArray(t *testing.T) {
	_, _, err := Decode([]byte("PING\r\n"))
	assert.ErrorIs(t, err, ErrFraming)
}

func TestDecodeMalformedBadLength(t *testing.T) {
	_, _, err := Decode([]byte("*1\r\n$3\r\nhi\r\n"))
	assert.ErrorIs(t, err, ErrFraming)
}

func TestDecodeMalformedNegativeBulkLength(t *testing.T) {
	_, _, err := Decode([]byte("*1\r\n$-1\r\n"))
	assert.ErrorIs(t, err, ErrFraming)
}

func TestEncodeBulkString(t *testing.T) {
	assert.Equal(t, []byte("$3\r\nbar\r\n"), EncodeBulkString([]byte("bar")))
}

func TestEncodeNullBulkString(t *testing.T) {
	assert.Equal(t, []byte("$-1\r\n"), EncodeNullBulkString())
}

func TestEncodeSimpleStringAndError(t *testing.T) {
	assert.Equal(t, []byte("+OK\r\n"), EncodeSimpleString("OK"))
	assert.Equal(t, []byte("-ERR boom\r\n"), EncodeError("ERR boom"))
}
