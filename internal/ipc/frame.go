// Package ipc implements the tap↔agent transport: length-framed JSON
// messages over a Unix domain socket on POSIX or loopback TCP on Windows.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes caps a single framed message. Large enough for any
// realistic hook payload while bounding memory per connection.
const DefaultMaxFrameBytes = 2 * 1024 * 1024

// ErrFrameTooLarge reports a frame whose declared length exceeds the cap.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds size cap")

// WriteFrame writes one message as a 4-byte big-endian length prefix
// followed by the payload bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message. Returns io.EOF when the
// peer closed cleanly between frames, ErrFrameTooLarge when the declared
// length exceeds maxBytes.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ipc: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int(n) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("ipc: read frame body: %w", err)
	}
	return buf, nil
}
