// Package handshake owns the connect-time session sync between a client and
// the authoritative server.
//
// Ownership boundary:
// - client state machine and execution gate
// - pending-request outbox and retry pacing
// - server-side connection-request responder
package handshake
