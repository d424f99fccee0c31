package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

var ErrFrameTooLarge = errors.New("control frame too large")

// DefaultMaxFrameBytes is the recommended maximum size for a single framed
// control message. The wire format carries no cap of its own, so readers on
// untrusted connections must enforce one.
//
// Do not call ReadFrame with maxLen<=0 on untrusted inputs, because it
// disables the size check and may lead to large allocations (memory DoS).
const DefaultMaxFrameBytes = 1 << 20

// WriteMessage writes a length-prefixed JSON control message: a big-endian
// uint32 byte count followed by exactly that many bytes of JSON.
//
// WriteMessage issues the whole frame before returning, but it does not
// serialize concurrent callers; a shared writer requires external locking.
func WriteMessage(w io.Writer, m *Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads one length-prefixed payload with a maximum size guard.
// A short read is returned as an error and is fatal to the connection.
func ReadFrame(r io.Reader, maxLen int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n < 0 {
		return nil, ErrFrameTooLarge
	}
	if maxLen > 0 && n > maxLen {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadMessage reads one framed control message and validates it with
// DefaultConstraints.
func ReadMessage(r io.Reader) (*Message, error) {
	return ReadMessageWithConstraints(r, DefaultConstraints())
}

// ReadMessageWithConstraints reads one framed control message and validates
// it against c.
func ReadMessageWithConstraints(r io.Reader, c Constraints) (*Message, error) {
	max := c.MaxMessageBytes
	if max == 0 {
		max = DefaultMaxFrameBytes
	}
	b, err := ReadFrame(r, max)
	if err != nil {
		return nil, err
	}
	return ParseWithConstraints(b, c)
}
