package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/arcadenet/realtime-relay/internal/chat"
	"github.com/arcadenet/realtime-relay/internal/config"
	"github.com/arcadenet/realtime-relay/internal/httpserver"
	"github.com/arcadenet/realtime-relay/internal/identity"
	"github.com/arcadenet/realtime-relay/internal/metrics"
	"github.com/arcadenet/realtime-relay/internal/rooms"
	"github.com/arcadenet/realtime-relay/internal/voice"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// Local development keeps its knobs in a .env file; production injects
	// real environment variables and has no such file.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting realtime-relay",
		"voice_listen_addr", cfg.VoiceListenAddr,
		"chat_listen_addr", cfg.ChatListenAddr,
		"mode", cfg.Mode,
		"voice_read_timeout", cfg.VoiceReadTimeout,
		"max_chat_message_bytes", cfg.MaxChatMessageBytes,
	)

	m := metrics.New()

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.VoiceListenAddr)
	if err != nil {
		logger.Error("invalid voice listen address", "err", err)
		os.Exit(2)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Error("failed to listen on voice socket", "err", err)
		os.Exit(1)
	}

	voiceEngine := voice.NewEngine(
		udpConn,
		rooms.NewRegistry[netip.AddrPort](),
		voice.Config{
			ReadTimeout:        cfg.VoiceReadTimeout,
			DefaultBitrateKbps: cfg.VoiceDefaultBitrateKbps,
			PacketsPerSecond:   cfg.VoicePacketsPerSec,
		},
		m,
		logger,
	)

	resolver := identity.NewStaticResolver()
	chatEngine, err := chat.NewEngine(chat.NewMemoryStore(), resolver, m, logger)
	if err != nil {
		logger.Error("failed to construct chat engine", "err", err)
		os.Exit(2)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg.ChatListenAddr, logger, httpserver.BuildInfo{
		Commit:    commit,
		BuildTime: built,
	})
	srv.Mux().Handle("GET /chat", chat.NewWebSocketServer(chatEngine, chat.ServerConfig{
		WriteWait:          cfg.ChatWriteWait,
		MaxMessageBytes:    cfg.MaxChatMessageBytes,
		EnvelopesPerSecond: cfg.ChatEnvelopesPerSec,
	}, logger))
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return voiceEngine.Run()
	})

	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, httpserver.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		return voiceEngine.Close()
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
