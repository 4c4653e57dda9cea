package protocol

import "github.com/danmuck/ymsgd/internal/protocol/frame"

// Packet is one complete protocol message.
type Packet struct {
	Version   uint8
	VendorID  uint16
	Service   uint16
	Status    uint32
	SessionID uint32
	Fields    Fields
}

// Header returns the wire header for p with an unset payload length.
func (p Packet) Header() frame.Header {
	return frame.Header{
		Version:   p.Version,
		VendorID:  p.VendorID,
		Service:   p.Service,
		Status:    p.Status,
		SessionID: p.SessionID,
	}
}

func packetFromHeader(h frame.Header) Packet {
	return Packet{
		Version:   h.Version,
		VendorID:  h.VendorID,
		Service:   h.Service,
		Status:    h.Status,
		SessionID: h.SessionID,
	}
}
