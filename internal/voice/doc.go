// Package voice contains the UDP voice relay engine.
//
// The engine is a selective forwarder: audio payloads are relayed verbatim to
// the other members of the sender's room, never decoded, mixed or transcoded.
// Membership is driven by join/leave control packets from the same socket.
package voice
