// Package chat contains the chat relay engine.
//
// Each connected user holds one (or more) duplex WebSocket connections. The
// engine parses inbound JSON envelopes, consults room membership, and fans
// enriched envelopes out to the other connected members. Delivery is
// best-effort: members without a live connection are skipped, and a failed
// connection tears down only itself.
package chat
