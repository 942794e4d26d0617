package dispatcher

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// maxFrameBytes bounds a single metadata/payload/response frame. This is
// deliberately separate from internal/transport's framer: the
// application wire protocol uses u64 lengths (spec.md §6), the consensus
// RPC protocol uses u32 (spec.md §4.2) — two distinct formats, not one
// framer reused across both.
const maxFrameBytes = 256 << 20

// writeFrame writes a u64 big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint64(len(payload))); err != nil {
		return errors.Wrap(err, "write frame length")
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame body")
	}
	return nil
}

// readFrame reads a u64 big-endian length prefix and that many bytes.
func readFrame(r io.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, errors.Wrap(err, "read frame length")
	}
	if n > maxFrameBytes {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "read frame body")
		}
	}
	return buf, nil
}
