package voice

import (
	"time"

	"github.com/arcadenet/realtime-relay/internal/voiceproto"
)

const (
	// DefaultReadTimeout bounds each blocking read so the receive loop can
	// observe shutdown between datagrams.
	DefaultReadTimeout = 500 * time.Millisecond

	// DefaultReadBufferBytes fits the largest representable packet.
	DefaultReadBufferBytes = voiceproto.HeaderLen + voiceproto.MaxPayload
)

type Config struct {
	// ReadTimeout is the per-read deadline on the UDP socket.
	ReadTimeout time.Duration

	// ReadBufferBytes is the size of the receive buffer handed to each read.
	ReadBufferBytes int

	// DefaultBitrateKbps is recorded on sessions whose join omitted a bitrate.
	DefaultBitrateKbps int

	// PacketsPerSecond caps the inbound packet rate per endpoint. Zero
	// disables the limiter.
	PacketsPerSecond int
}

func (c Config) WithDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = DefaultReadBufferBytes
	}
	if c.DefaultBitrateKbps <= 0 {
		c.DefaultBitrateKbps = voiceproto.DefaultBitrateKbps
	}
	return c
}
