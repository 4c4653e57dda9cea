package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the full fixed header, magic included.
	HeaderLen = 20

	// MaxPayloadLen is the largest payload the 16-bit length field can carry.
	MaxPayloadLen = 0xFFFF
)

var (
	// Magic prefixes every packet on the wire.
	Magic = []byte("YMSG")

	// Separator terminates every key and every value in a payload.
	Separator = []byte{0xC0, 0x80}
)

var (
	ErrShortHeader = errors.New("frame: short fixed header")
	ErrBadMagic    = errors.New("frame: bad magic")
)

// Header is the fixed wire header that follows the magic.
//
//	[4] magic "YMSG"
//	[1] version
//	[1] reserved
//	[2] vendor id
//	[2] payload length
//	[2] service
//	[4] status
//	[4] session id
type Header struct {
	Version    uint8
	VendorID   uint16
	PayloadLen uint16
	Service    uint16
	Status     uint32
	SessionID  uint32
}

// Len returns the total packet length announced by the header.
func (h Header) Len() int {
	return HeaderLen + int(h.PayloadLen)
}

// AppendHeader appends the magic and encoded header to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, Magic...)
	dst = append(dst, h.Version, 0)
	dst = binary.BigEndian.AppendUint16(dst, h.VendorID)
	dst = binary.BigEndian.AppendUint16(dst, h.PayloadLen)
	dst = binary.BigEndian.AppendUint16(dst, h.Service)
	dst = binary.BigEndian.AppendUint32(dst, h.Status)
	dst = binary.BigEndian.AppendUint32(dst, h.SessionID)
	return dst
}

func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, HeaderLen), h)
}

// DecodeHeader parses the first HeaderLen bytes of b. The reserved byte is
// ignored.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	if !bytes.Equal(b[0:4], Magic) {
		return Header{}, fmt.Errorf("%w: % x", ErrBadMagic, b[0:4])
	}
	return Header{
		Version:    b[4],
		VendorID:   binary.BigEndian.Uint16(b[6:8]),
		PayloadLen: binary.BigEndian.Uint16(b[8:10]),
		Service:    binary.BigEndian.Uint16(b[10:12]),
		Status:     binary.BigEndian.Uint32(b[12:16]),
		SessionID:  binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// MagicPrefixOK reports whether b is consistent with the magic so far. A
// buffer shorter than the magic only has its available bytes compared, so a
// misaligned stream is detected as early as the first byte.
func MagicPrefixOK(b []byte) bool {
	n := min(len(b), len(Magic))
	return bytes.Equal(b[:n], Magic[:n])
}
