package metrics

import "sync"

// Counter names. Names are intentionally simple; a follow-up metrics task can
// standardize and export these via Prometheus/OTel.
const (
	VoicePacketsIn        = "voice_packets_in"
	VoicePacketsForwarded = "voice_packets_forwarded"
	VoiceDroppedMalformed = "voice_dropped_malformed"
	VoiceDroppedUnbound   = "voice_dropped_unbound"
	VoiceDroppedVersion   = "voice_dropped_version"
	VoiceDroppedRateLimit = "voice_dropped_rate_limit"
	VoiceSendFailures     = "voice_send_failures"

	ChatConnections       = "chat_connections"
	ChatEnvelopesIn       = "chat_envelopes_in"
	ChatEnvelopesOut      = "chat_envelopes_out"
	ChatSendErrors        = "chat_send_errors"
	ChatDroppedMalformed  = "chat_dropped_malformed"
	ChatDroppedRateLimit  = "chat_dropped_rate_limit"
	ChatDeliveryFailures  = "chat_delivery_failures"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type exists to keep forwarding logic testable and to provide drop counters
// without pulling a metrics SDK into the hot path.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
