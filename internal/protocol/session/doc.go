// Package session drives one YMSG connection.
//
// A Controller owns the connection's Decoder and Encoder, dispatches every
// reassembled packet through a Registry of service handlers, and runs the
// protocol flavor's close hook exactly once. Transport I/O stays outside:
// the owner hands received bytes to DataReceived and attaches a Transport
// for replies.
package session
