package voice

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"github.com/arcadenet/realtime-relay/internal/metrics"
	"github.com/arcadenet/realtime-relay/internal/ratelimit"
	"github.com/arcadenet/realtime-relay/internal/rooms"
	"github.com/arcadenet/realtime-relay/internal/voiceproto"
)

// Session is the per-endpoint relay state. An endpoint belongs to at most one
// room at a time; joining a new room implicitly replaces prior membership.
type Session struct {
	RoomID      uuid.UUID
	UserID      uuid.UUID
	BitrateKbps int
}

// Engine owns a connectionless UDP socket and forwards audio/event payloads
// between the members of each room.
//
// All failures are isolated to the packet that triggered them: malformed
// input is logged and dropped, a failed send skips that one destination, and
// a single read error does not stop the receive loop.
type Engine struct {
	cfg     Config
	conn    *net.UDPConn
	rooms   *rooms.Registry[netip.AddrPort]
	metrics *metrics.Metrics
	log     *slog.Logger
	limiter *ratelimit.KeyedLimiter[netip.AddrPort]

	mu       sync.Mutex
	sessions map[netip.AddrPort]Session
	closed   bool
	done     chan struct{}
}

func NewEngine(conn *net.UDPConn, reg *rooms.Registry[netip.AddrPort], cfg Config, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.WithDefaults()
	return &Engine{
		cfg:      cfg,
		conn:     conn,
		rooms:    reg,
		metrics:  m,
		log:      logger,
		limiter:  ratelimit.NewKeyedLimiter[netip.AddrPort](nil, int64(cfg.PacketsPerSecond), 0),
		sessions: make(map[netip.AddrPort]Session),
		done:     make(chan struct{}),
	}
}

// Session returns the relay state for endpoint, if it is bound to a room.
func (e *Engine) Session(endpoint netip.AddrPort) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[endpoint]
	return s, ok
}

// Close stops the receive loop and releases the socket. In-flight packets are
// not drained.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	return e.conn.Close()
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Run executes the receive loop until Close is called. It returns nil on
// clean shutdown.
func (e *Engine) Run() error {
	buf := make([]byte, e.cfg.ReadBufferBytes)
	for {
		if err := e.conn.SetReadDeadline(timeNow().Add(e.cfg.ReadTimeout)); err != nil {
			if e.isClosed() {
				return nil
			}
			return fmt.Errorf("voice: set read deadline: %w", err)
		}

		n, sender, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if e.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			// Transient read failure; keep the loop alive.
			e.log.Warn("voice_read_failed", "err", err)
			continue
		}

		e.handleDatagram(sender, buf[:n])
	}
}

func (e *Engine) handleDatagram(sender netip.AddrPort, b []byte) {
	e.metrics.Inc(metrics.VoicePacketsIn)

	if !e.limiter.Allow(sender) {
		e.metrics.Inc(metrics.VoiceDroppedRateLimit)
		return
	}

	pkt, err := voiceproto.Decode(b)
	if err != nil {
		e.metrics.Inc(metrics.VoiceDroppedMalformed)
		e.log.Debug("voice_packet_malformed", "sender", sender, "err", err)
		return
	}
	if pkt.Version != voiceproto.Version {
		e.metrics.Inc(metrics.VoiceDroppedVersion)
		e.log.Debug("voice_packet_bad_version", "sender", sender, "version", pkt.Version)
		return
	}

	switch pkt.Type {
	case voiceproto.TypeControl:
		e.handleControl(sender, pkt.Payload)
	case voiceproto.TypeAudio:
		e.relayToRoom(sender, voiceproto.TypeAudio, pkt.Flags, pkt.Payload)
	case voiceproto.TypeEvent:
		e.relayToRoom(sender, voiceproto.TypeEvent, pkt.Flags, pkt.Payload)
	default:
		e.metrics.Inc(metrics.VoiceDroppedMalformed)
		e.log.Debug("voice_packet_unknown_type", "sender", sender, "type", uint8(pkt.Type))
	}
}

func (e *Engine) handleControl(sender netip.AddrPort, payload []byte) {
	ctl, err := voiceproto.ParseControlDefault(payload, e.cfg.DefaultBitrateKbps)
	if err != nil {
		e.metrics.Inc(metrics.VoiceDroppedMalformed)
		e.log.Warn("voice_control_malformed", "sender", sender, "err", err)
		return
	}

	switch ctl.Action {
	case voiceproto.ActionJoin:
		e.join(sender, ctl)
	case voiceproto.ActionLeave:
		e.leave(sender, ctl)
	}
}

func (e *Engine) join(sender netip.AddrPort, ctl voiceproto.Control) {
	e.mu.Lock()
	prev, rebinding := e.sessions[sender]
	e.sessions[sender] = Session{
		RoomID:      ctl.RoomID,
		UserID:      ctl.UserID,
		BitrateKbps: ctl.BitrateKbps,
	}
	e.mu.Unlock()

	// An endpoint holds at most one membership; a join while bound moves it.
	if rebinding && prev.RoomID != ctl.RoomID {
		e.rooms.Remove(prev.RoomID, sender)
		e.broadcastEvent(prev.RoomID, sender, "left:"+prev.UserID.String())
	}

	e.rooms.Add(ctl.RoomID, sender)
	e.broadcastEvent(ctl.RoomID, sender, "joined:"+ctl.UserID.String())

	e.log.Info("voice_join",
		"endpoint", sender,
		"room_id", ctl.RoomID,
		"user_id", ctl.UserID,
		"bitrate_kbps", ctl.BitrateKbps,
	)
}

func (e *Engine) leave(sender netip.AddrPort, ctl voiceproto.Control) {
	e.mu.Lock()
	sess, bound := e.sessions[sender]
	delete(e.sessions, sender)
	e.mu.Unlock()

	if !bound {
		return
	}
	e.limiter.Forget(sender)

	roomEmpty := e.rooms.Remove(sess.RoomID, sender)
	if !roomEmpty {
		e.broadcastEvent(sess.RoomID, sender, "left:"+sess.UserID.String())
	}

	e.log.Info("voice_leave", "endpoint", sender, "room_id", sess.RoomID, "user_id", sess.UserID)
}

// relayToRoom forwards payload unmodified to every other member of the
// sender's room. Packets from an unbound endpoint are dropped silently.
func (e *Engine) relayToRoom(sender netip.AddrPort, typ voiceproto.PacketType, flags uint8, payload []byte) {
	e.mu.Lock()
	sess, bound := e.sessions[sender]
	e.mu.Unlock()

	if !bound {
		e.metrics.Inc(metrics.VoiceDroppedUnbound)
		return
	}

	out, err := voiceproto.Encode(typ, flags, payload)
	if err != nil {
		e.metrics.Inc(metrics.VoiceDroppedMalformed)
		return
	}

	delivered := e.rooms.BroadcastExcept(sess.RoomID, sender, func(dst netip.AddrPort) error {
		if _, err := e.conn.WriteToUDPAddrPort(out, dst); err != nil {
			e.metrics.Inc(metrics.VoiceSendFailures)
			return err
		}
		return nil
	})
	e.metrics.Add(metrics.VoicePacketsForwarded, uint64(delivered))
}

func (e *Engine) broadcastEvent(room uuid.UUID, except netip.AddrPort, text string) {
	out, err := voiceproto.Encode(voiceproto.TypeEvent, 0, []byte(text))
	if err != nil {
		return
	}
	e.rooms.BroadcastExcept(room, except, func(dst netip.AddrPort) error {
		if _, err := e.conn.WriteToUDPAddrPort(out, dst); err != nil {
			e.metrics.Inc(metrics.VoiceSendFailures)
			return err
		}
		return nil
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
