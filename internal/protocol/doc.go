// Package protocol owns the shared wire vocabulary between client and server.
//
// Ownership boundary:
// - peer identity and side
// - tlv field primitives (tlv)
// - per-action field requirements (schema)
// - envelope codec and action table (envelope)
// - transport unit framing (frame)
package protocol
