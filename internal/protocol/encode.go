package protocol

import (
	"bytes"
	"fmt"

	"github.com/danmuck/ymsgd/internal/protocol/frame"
)

// Encode returns the wire bytes of p. Version and vendor id are always
// written as zero. Field order is the caller's insertion order.
func Encode(p Packet) ([]byte, error) {
	payload, err := AppendFields(nil, p.Fields)
	if err != nil {
		return nil, err
	}
	if len(payload) > frame.MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	h := frame.Header{
		PayloadLen: uint16(len(payload)),
		Service:    p.Service,
		Status:     p.Status,
		SessionID:  p.SessionID,
	}
	out := make([]byte, 0, frame.HeaderLen+len(payload))
	out = frame.AppendHeader(out, h)
	return append(out, payload...), nil
}

// Encoder accumulates encoded packets until they are flushed to a transport.
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// Write encodes p and appends it to the pending output. A packet that cannot
// be encoded leaves the pending output untouched.
func (e *Encoder) Write(p Packet) error {
	b, err := Encode(p)
	if err != nil {
		return err
	}
	e.buf.Write(b)
	return nil
}

// Flush returns all pending bytes and clears the buffer. It returns nil when
// nothing is pending.
func (e *Encoder) Flush() []byte {
	if e.buf.Len() == 0 {
		return nil
	}
	out := bytes.Clone(e.buf.Bytes())
	e.buf.Reset()
	return out
}

// Pending returns the number of buffered bytes.
func (e *Encoder) Pending() int {
	return e.buf.Len()
}
