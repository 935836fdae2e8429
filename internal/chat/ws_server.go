package chat

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arcadenet/realtime-relay/internal/metrics"
	"github.com/arcadenet/realtime-relay/internal/ratelimit"
)

const (
	DefaultWriteWait       = 1 * time.Second
	DefaultMaxMessageBytes = 64 * 1024
)

type ServerConfig struct {
	// WriteWait bounds each outbound write so one dead peer cannot wedge its
	// writer goroutine forever.
	WriteWait time.Duration

	// MaxMessageBytes caps inbound envelope size at the WebSocket layer.
	MaxMessageBytes int64

	// EnvelopesPerSecond caps the inbound envelope rate per connection. Zero
	// disables the limiter.
	EnvelopesPerSecond int

	// CheckOrigin overrides the upgrader's origin check. Nil allows all
	// origins; the production deployment fronts this with the panel gateway.
	CheckOrigin func(r *http.Request) bool
}

func (c ServerConfig) WithDefaults() ServerConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return c
}

// WebSocketServer implements GET /chat: one duplex connection per connected
// user, one JSON envelope per text message.
type WebSocketServer struct {
	engine   *Engine
	cfg      ServerConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWebSocketServer(engine *Engine, cfg ServerConfig, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.WithDefaults()
	srv := &WebSocketServer{
		engine: engine,
		cfg:    cfg,
		log:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.CheckOrigin,
		},
	}
	return srv
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	var limiter *ratelimit.TokenBucket
	if s.cfg.EnvelopesPerSecond > 0 {
		rate := int64(s.cfg.EnvelopesPerSecond)
		limiter = ratelimit.NewTokenBucket(nil, rate, rate)
	}

	client := s.engine.Attach(&wsSender{conn: conn, writeWait: s.cfg.WriteWait})
	defer s.engine.Detach(client)

	s.log.Info("chat_connected", "remote_addr", r.RemoteAddr)
	defer s.log.Info("chat_disconnected", "remote_addr", r.RemoteAddr)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			// Connection failure tears down this one connection; Detach
			// removes its membership/session entries and nothing else.
			return
		}
		if msgType != websocket.TextMessage {
			s.engine.sendError(client, "expected text message")
			continue
		}
		if limiter != nil && !limiter.Allow(1) {
			s.engine.metrics.Inc(metrics.ChatDroppedRateLimit)
			s.log.Debug("chat_envelope_rate_limited", "remote_addr", r.RemoteAddr)
			continue
		}

		s.engine.HandleEnvelope(client, msg)
	}
}

// wsSender adapts a gorilla connection to the engine's Sender. Concurrent
// fan-outs from different inbound handlers serialize on writeMu.
type wsSender struct {
	conn      *websocket.Conn
	writeWait time.Duration

	writeMu sync.Mutex
}

func (s *wsSender) WriteEnvelope(env Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteJSON(env)
}
