// Package transport implements a ROUTER/DEALER style request bus in the
// ZeroMQ sense: a fixed-address Router accepts any number of Dealer
// connections, each tagged with a synthesized identity, and messages are
// exchanged as length-prefixed multipart frames rather than whole HTTP
// request/response bodies, since bit-exact preservation of arbitrary
// envelope frame sequences is required end to end. This is the one
// consciously hand-rolled wire layer in the repo; it keeps a Unix domain
// socket (cleaned up on startup and shutdown, see NewRouter) and a
// JSON-body convention for the innermost frame.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrames bounds a single message's frame count; exceeding it is treated
// as a fatal transport error rather than silently truncating an adversarial
// or corrupt peer's message.
const maxFrames = 64

// maxFrameBytes bounds a single frame's length, guarding against a
// corrupt or malicious length prefix causing an unbounded allocation.
const maxFrameBytes = 64 << 20

// Message is one ROUTER/DEALER-style multipart message: an ordered list of
// opaque byte frames. The image server forwards these whole, so this
// layer never interprets frame contents.
type Message [][]byte

// WriteMessage writes msg to w as: uint32 frame count, then for each
// frame a uint32 length followed by that many bytes. All integers are
// big-endian.
func WriteMessage(w io.Writer, msg Message) error {
	if len(msg) > maxFrames {
		return fmt.Errorf("transport: message has %d frames, exceeds cap %d", len(msg), maxFrames)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: write frame count: %w", err)
	}
	for i, frame := range msg {
		if len(frame) > maxFrameBytes {
			return fmt.Errorf("transport: frame %d is %d bytes, exceeds cap %d", i, len(frame), maxFrameBytes)
		}
		var flen [4]byte
		binary.BigEndian.PutUint32(flen[:], uint32(len(frame)))
		if _, err := w.Write(flen[:]); err != nil {
			return fmt.Errorf("transport: write frame %d length: %w", i, err)
		}
		if len(frame) > 0 {
			if _, err := w.Write(frame); err != nil {
				return fmt.Errorf("transport: write frame %d body: %w", i, err)
			}
		}
	}
	return nil
}

// ReadMessage reads one message using WriteMessage's framing. A frame
// count beyond maxFrames, or any single frame beyond maxFrameBytes, is a
// fatal transport error for this connection.
func ReadMessage(r *bufio.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err // includes io.EOF, left unwrapped so callers can detect clean close
	}
	count := binary.BigEndian.Uint32(hdr[:])
	if count > maxFrames {
		return nil, fmt.Errorf("transport: peer sent %d frames, exceeds cap %d", count, maxFrames)
	}

	msg := make(Message, 0, count)
	for i := uint32(0); i < count; i++ {
		var flen [4]byte
		if _, err := io.ReadFull(r, flen[:]); err != nil {
			return nil, fmt.Errorf("transport: read frame %d length: %w", i, err)
		}
		n := binary.BigEndian.Uint32(flen[:])
		if n > maxFrameBytes {
			return nil, fmt.Errorf("transport: frame %d declares %d bytes, exceeds cap %d", i, n, maxFrameBytes)
		}
		frame := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, frame); err != nil {
				return nil, fmt.Errorf("transport: read frame %d body: %w", i, err)
			}
		}
		msg = append(msg, frame)
	}
	return msg, nil
}
