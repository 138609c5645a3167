package framing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(payload ...byte) []byte {
	return Stuff(payload)
}

func TestExtractSingleFrame(t *testing.T) {
	buf := frame('h', 'e', 'l', 'l', 'o')

	frames, rest := Extract(buf)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("hello"), frames[0])
	assert.Empty(t, rest)
}

func TestExtractMultipleFrames(t *testing.T) {
	buf := append(frame('a'), frame('b', 'c')...)
	buf = append(buf, frame('d')...)

	frames, rest := Extract(buf)
	require.Len(t, frames, 3)
	assert.Equal(t, []byte("a"), frames[0])
	assert.Equal(t, []byte("bc"), frames[1])
	assert.Equal(t, []byte("d"), frames[2])
	assert.Empty(t, rest)
}

func TestExtractEmptyFrame(t *testing.T) {
	frames, rest := Extract([]byte{DLE, STX, DLE, ETX})
	require.Len(t, frames, 1)
	assert.Empty(t, frames[0])
	assert.Empty(t, rest)
}

func TestExtractUnstuffsDoubledEscape(t *testing.T) {
	payloads := [][]byte{
		{DLE},
		{DLE, DLE},
		{'a', DLE, 'b'},
		{DLE, 'x', DLE},
		bytes.Repeat([]byte{DLE}, 7),
		{},
	}

	for _, payload := range payloads {
		frames, rest := Extract(Stuff(payload))
		require.Len(t, frames, 1, "payload %v", payload)
		assert.Equal(t, payload, append([]byte{}, frames[0]...), "payload %v", payload)
		assert.Empty(t, rest)
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	buf := append(frame('x', DLE, 'y'), frame('z')...)

	first, _ := Extract(buf)
	second, _ := Extract(buf)
	assert.Equal(t, first, second)
}

func TestExtractDiscardsLeadingNoise(t *testing.T) {
	buf := append([]byte{'n', 'o', 'i', 's', 'e', 0x00}, frame('p')...)

	frames, rest := Extract(buf)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("p"), frames[0])
	assert.Empty(t, rest)
}

func TestExtractRetainsUnterminatedFrame(t *testing.T) {
	partial := []byte{DLE, STX, 'p', 'a', 'r'}
	buf := append([]byte{'x'}, partial...)

	frames, rest := Extract(buf)
	assert.Empty(t, frames)
	assert.Equal(t, partial, rest)

	// Completing the frame on the next call recovers the payload.
	frames, rest = Extract(append(rest, 't', DLE, ETX))
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("part"), frames[0])
	assert.Empty(t, rest)
}

func TestExtractRetainsTrailingLoneEscape(t *testing.T) {
	buf := append(frame('a'), DLE)

	frames, rest := Extract(buf)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{DLE}, rest)

	// The retained byte pairs with the next read's STX.
	frames, rest = Extract(append(rest, STX, 'b', DLE, ETX))
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("b"), frames[0])
	assert.Empty(t, rest)
}

// A DLE followed by an ordinary byte inside a frame is copied as literal
// data, matching the upstream protocol's handling of malformed streams.
func TestExtractLoneEscapeInsidePayloadKeptLiteral(t *testing.T) {
	buf := []byte{DLE, STX, 'a', DLE, 'b', DLE, ETX}

	frames, rest := Extract(buf)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{'a', DLE, 'b'}, frames[0])
	assert.Empty(t, rest)
}

// Splitting a valid stream at any offset and decoding across two calls must
// yield the same frames as decoding it in one call.
func TestExtractPartialBufferEquivalence(t *testing.T) {
	stream := append(frame('a', 'b'), frame(DLE, DLE, 'q')...)
	stream = append(stream, []byte("noise")...)
	stream = append(stream, frame('t', 'a', 'i', 'l')...)

	whole, rest := Extract(stream)
	require.Empty(t, rest)

	for split := 0; split <= len(stream); split++ {
		first, carry := Extract(append([]byte(nil), stream[:split]...))

		second := append(carry, stream[split:]...)
		more, carry := Extract(second)

		got := append(append([][]byte{}, first...), more...)
		require.Equal(t, whole, got, "split at %d", split)
		assert.Empty(t, carry, "split at %d", split)
	}
}

func TestStuffRoundTrip(t *testing.T) {
	payload := []byte{0x00, DLE, STX, ETX, DLE, DLE, 0xff, 'k'}

	frames, rest := Extract(Stuff(payload))
	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0])
	assert.Empty(t, rest)
}
