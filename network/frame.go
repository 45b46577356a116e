package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultMaxFrameSize bounds a single frame's payload (1MB).
const DefaultMaxFrameSize = 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("frame size exceeds maximum allowed size")

// frameHeaderSize is the length of the big-endian length prefix.
const frameHeaderSize = 4

// WriteFrame writes a length-prefixed frame.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
//
// The prefix and payload go out in a single Write so concurrent frames on a
// shared writer cannot interleave.
func WriteFrame(w io.Writer, data []byte, maxSize int) error {
	if len(data) > math.MaxUint32 {
		return fmt.Errorf("%w: data length %d exceeds uint32 max", ErrFrameTooLarge, len(data))
	}
	if maxSize > 0 && len(data) > maxSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, len(data), maxSize)
	}

	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data))) // #nosec G115 - bounds checked above
	copy(buf[frameHeaderSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A clean end of stream before the
// prefix returns io.EOF; a stream cut inside a frame returns io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, length, maxSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return buf, nil
}
