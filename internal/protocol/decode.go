package protocol

import (
	"errors"
	"fmt"
	"iter"

	"github.com/danmuck/ymsgd/internal/protocol/frame"
)

// Limits constrains decoder memory use.
type Limits struct {
	// MaxPacketBytes rejects a header announcing a larger packet. Zero means
	// only the 16-bit length field bounds it.
	MaxPacketBytes int
	// MaxBufferedBytes bounds unparsed bytes held for one connection right
	// after a feed, before any packet is drained. The decoder reports
	// Buffered; the session controller enforces the bound. A partial packet
	// plus one read must fit, so it should be at least MaxPacketBytes plus the
	// largest chunk fed at once.
	MaxBufferedBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPacketBytes:   frame.HeaderLen + frame.MaxPayloadLen,
		MaxBufferedBytes: 256 * 1024,
	}
}

// Decoder reassembles packets from an arbitrarily fragmented byte stream.
// It is not safe for concurrent use; one connection owns one decoder.
type Decoder struct {
	buf    []byte
	limits Limits
	err    error
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed appends a copy of b to the buffer. Input after a framing error is
// discarded.
func (d *Decoder) Feed(b []byte) {
	if d.err != nil {
		return
	}
	d.buf = append(d.buf, b...)
}

// Buffered returns the number of fed bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Err returns the latched framing error, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Next extracts one packet from the front of the buffer.
//
// It returns ok=false with a nil error when the buffer does not yet hold a
// complete packet. An ErrMalformedField or ErrInvalidEncoding error drops
// that packet: its bytes are consumed, the returned Packet carries only the
// header values, and decoding can continue. An ErrFraming error is latched
// and returned by every later call.
func (d *Decoder) Next() (Packet, bool, error) {
	if d.err != nil {
		return Packet{}, false, d.err
	}
	if len(d.buf) == 0 {
		return Packet{}, false, nil
	}
	if !frame.MagicPrefixOK(d.buf) {
		n := min(len(d.buf), len(frame.Magic))
		return d.fail(fmt.Errorf("%w: bad magic % x", ErrFraming, d.buf[:n]))
	}
	if len(d.buf) < frame.HeaderLen {
		return Packet{}, false, nil
	}
	h, err := frame.DecodeHeader(d.buf)
	if err != nil {
		return d.fail(fmt.Errorf("%w: %w", ErrFraming, err))
	}
	total := h.Len()
	if d.limits.MaxPacketBytes > 0 && total > d.limits.MaxPacketBytes {
		return d.fail(fmt.Errorf(
			"%w: packet of %d bytes exceeds limit %d",
			ErrFraming,
			total,
			d.limits.MaxPacketBytes,
		))
	}
	if len(d.buf) < total {
		return Packet{}, false, nil
	}

	p := packetFromHeader(h)
	fields, err := ParseFields(d.buf[frame.HeaderLen:total])
	d.consume(total)
	if err != nil {
		return p, false, err
	}
	p.Fields = fields
	return p, true, nil
}

// Drain yields every packet currently extractable. Dropped packets are
// yielded with their error and iteration continues; a framing error is
// yielded once and ends iteration. Iteration also ends, without error, at
// the first incomplete packet.
func (d *Decoder) Drain() iter.Seq2[Packet, error] {
	return func(yield func(Packet, error) bool) {
		for {
			p, ok, err := d.Next()
			if err != nil {
				if !yield(p, err) || errors.Is(err, ErrFraming) {
					return
				}
				continue
			}
			if !ok {
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// consume drops n bytes from the front, compacting in place so a long-lived
// connection does not pin an ever-growing backing array.
func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	if rest == 0 && cap(d.buf) > 64*1024 {
		d.buf = nil
	}
}

func (d *Decoder) fail(err error) (Packet, bool, error) {
	d.err = err
	d.buf = nil
	return Packet{}, false, err
}
