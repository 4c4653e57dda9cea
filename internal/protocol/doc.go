// Package protocol owns the YMSG wire contract and its stream codec.
//
// Ownership boundary:
// - packet and field model
// - streaming decoder (fragment reassembly, field parsing)
// - encoder with buffered output
//
// Header primitives live in the frame subpackage; per-connection dispatch
// lives in session.
package protocol
