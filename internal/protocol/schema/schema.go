package schema

import "fmt"

// Service codes used by this gateway. The full legacy vocabulary is larger;
// codes not listed here still decode and dispatch by number.
const (
	ServiceLogon    uint16 = 0x0001
	ServiceLogoff   uint16 = 0x0002
	ServiceIsAway   uint16 = 0x0003
	ServiceIsBack   uint16 = 0x0004
	ServiceMessage  uint16 = 0x0006
	ServicePing     uint16 = 0x0012
	ServiceNotify   uint16 = 0x004b
	ServiceVerify   uint16 = 0x004c
	ServiceAuthResp uint16 = 0x0054
	ServiceList     uint16 = 0x0055
	ServiceAuth     uint16 = 0x0057
)

// Status values carried in the header status field.
const (
	StatusAvailable uint32 = 0x00000000
	StatusServerAck uint32 = 0x00000001
)

// Common field keys.
const (
	FieldCurrentID uint32 = 0
	FieldUsername  uint32 = 1
	FieldFrom      uint32 = 4
	FieldTo        uint32 = 5
	FieldStatus    uint32 = 10
	FieldMessage   uint32 = 14
	FieldSession   uint32 = 24
)

var serviceNames = map[uint16]string{
	ServiceLogon:    "logon",
	ServiceLogoff:   "logoff",
	ServiceIsAway:   "isaway",
	ServiceIsBack:   "isback",
	ServiceMessage:  "message",
	ServicePing:     "ping",
	ServiceNotify:   "notify",
	ServiceVerify:   "verify",
	ServiceAuthResp: "authresp",
	ServiceList:     "list",
	ServiceAuth:     "auth",
}

// Known reports whether code has a name in this table.
func Known(code uint16) bool {
	_, ok := serviceNames[code]
	return ok
}

// ServiceName returns the name of code, or its hex form when unnamed.
func ServiceName(code uint16) string {
	if name, ok := serviceNames[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", code)
}

// ServiceLabel is ServiceName bounded for metric labels: unnamed codes share
// one label so a peer cannot grow label cardinality.
func ServiceLabel(code uint16) string {
	if name, ok := serviceNames[code]; ok {
		return name
	}
	return "unnamed"
}
