// Package wire implements the on-wire frame format (spec §6): a 4-byte
// big-endian length prefix around an optionally-obfuscated payload, plus
// the closed set of inner message types carried between peers.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLen is the largest frame length accepted; anything larger is a
// Protocol error (spec §8: "a frame whose length > 16 MiB is rejected").
const MaxFrameLen = 16 << 20

const lenPrefixSize = 4

// WriteFrame writes a u32_be length prefix followed by payload. A
// zero-length payload is valid and writes just the 4-byte length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(payload), MaxFrameLen)
	}
	var hdr [lenPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads a u32_be length prefix and the payload it announces.
// A declared length over MaxFrameLen is rejected without attempting to
// read the (attacker-controlled) body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [lenPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("wire: declared frame length %d exceeds max %d", n, MaxFrameLen)
	}
	if n == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return payload, nil
}
