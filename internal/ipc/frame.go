package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the message size limit (spec §6); exceeding it closes
// the connection.
const MaxFrameSize = 1 << 20

// WriteFrame writes body length-prefixed: a 4-byte big-endian length
// followed by body itself.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("ipc: frame of %d bytes exceeds %d byte limit", len(body), MaxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. A length exceeding
// MaxFrameSize is a protocol violation, not merely oversize input — the
// caller should close the connection rather than attempt recovery.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("ipc: frame of %d bytes exceeds %d byte limit", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
