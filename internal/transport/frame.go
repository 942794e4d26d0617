// Package transport implements the length-prefixed, one-request-one-response
// JSON-over-TCP protocol peers use to exchange Raft RPCs. A single
// connection carries exactly one message in each direction, then closes —
// there is no pooling, keep-alive, or retry at this layer; that is left to
// the caller's heartbeat cadence or election timeout.
package transport

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// maxFrameBytes bounds a single frame so a corrupt length prefix cannot
// make a reader allocate unbounded memory.
const maxFrameBytes = 64 << 20

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "write frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame body")
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "read frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, errors.Errorf("frame length %d exceeds limit %d", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "read frame body")
	}
	return buf, nil
}
