// Package framing implements the DLE escape framing used by the firehose
// wire protocol. A frame is DLE STX payload DLE ETX; a literal DLE inside
// the payload is transmitted as two consecutive DLE bytes.
//
// Extract is a pure transformation over an accumulating byte buffer: the
// caller appends network reads to its buffer, calls Extract, and carries the
// returned remainder into the next call. No data belonging to a started
// frame is ever discarded; bytes outside frame boundaries are protocol
// noise and are dropped.
package framing

// Framing control bytes.
const (
	DLE = 0x10 // data link escape
	STX = 0x02 // start of frame
	ETX = 0x03 // end of frame
)

// Extract scans buf for complete frames and returns them, unstuffed and
// without markers, together with the unconsumed remainder.
//
// The scan needs two-byte lookahead throughout, so a trailing lone DLE
// (potentially the first half of a start or end marker) is always kept in
// the remainder rather than evaluated. An unterminated frame is returned in
// the remainder from its start marker onward.
//
// Inside a frame, a DLE followed by anything other than ETX or DLE is
// copied into the payload as a literal byte and the scan advances a single
// byte. This mirrors the upstream protocol exactly; a malformed stream can
// therefore carry a stray DLE into the payload.
func Extract(buf []byte) ([][]byte, []byte) {
	var frames [][]byte

	n := len(buf)
	i := 0
	for i < n-1 {
		if buf[i] != DLE || buf[i+1] != STX {
			i++
			continue
		}

		// Start marker at i; collect payload from i+2.
		frame := make([]byte, 0, 64)
		j := i + 2
		terminated := false
		for j < n-1 {
			if buf[j] == DLE && buf[j+1] == ETX {
				terminated = true
				break
			}
			if buf[j] == DLE && buf[j+1] == DLE {
				frame = append(frame, DLE)
				j += 2
				continue
			}
			frame = append(frame, buf[j])
			j++
		}

		if !terminated {
			// Incomplete frame: keep everything from the start marker for
			// the next read.
			return frames, append([]byte(nil), buf[i:]...)
		}

		frames = append(frames, frame)
		i = j + 2
	}

	// A trailing lone DLE may be the first half of the next start marker.
	if i == n-1 && buf[i] == DLE {
		return frames, []byte{DLE}
	}

	return frames, nil
}

// Stuff escapes payload for transmission, doubling each literal DLE and
// wrapping the result in start and end markers. It is the inverse of the
// unstuffing performed by Extract; the receive path never calls it, but the
// test feed and any future uplink do.
func Stuff(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, DLE, STX)
	for _, b := range payload {
		if b == DLE {
			out = append(out, DLE, DLE)
			continue
		}
		out = append(out, b)
	}
	return append(out, DLE, ETX)
}
