package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize caps a single framed message at 1 MiB. A peer announcing a
// larger frame is treated as malformed and disconnected.
const MaxFrameSize = 1 << 20

// WriteFrame writes payload preceded by its big-endian uint32 length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds %d byte limit", len(payload), MaxFrameSize)}
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed message. io.EOF before the header means
// the peer closed cleanly; any other short read is an error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("announced frame of %d bytes exceeds %d byte limit", size, MaxFrameSize)}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
