// Package config loads the relay configuration from environment variables
// and command-line flags. Environment values become flag defaults, so flags
// always win when both are set.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarVoiceListenAddr = "RELAY_VOICE_LISTEN_ADDR"
	envVarChatListenAddr  = "RELAY_CHAT_LISTEN_ADDR"
	envVarLogFormat       = "RELAY_LOG_FORMAT"
	envVarLogLevel        = "RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "RELAY_MODE"

	// Voice engine knobs.
	envVarVoiceReadTimeout        = "VOICE_READ_TIMEOUT"
	envVarVoiceDefaultBitrateKbps = "VOICE_DEFAULT_BITRATE_KBPS"
	envVarVoicePacketsPerSec      = "VOICE_PACKETS_PER_SEC"

	// Chat engine knobs.
	envVarMaxChatMessageBytes = "MAX_CHAT_MESSAGE_BYTES"
	envVarChatWriteWait       = "CHAT_WRITE_WAIT"
	envVarChatEnvelopesPerSec = "CHAT_ENVELOPES_PER_SEC"

	DefaultVoiceListenAddr = "127.0.0.1:4010"
	DefaultChatListenAddr  = "127.0.0.1:4020"
	DefaultShutdown        = 15 * time.Second

	DefaultVoiceReadTimeout        = 500 * time.Millisecond
	DefaultVoiceDefaultBitrateKbps = 32
	// DefaultVoicePacketsPerSec of 0 leaves the per-endpoint limiter off.
	DefaultVoicePacketsPerSec = 0

	DefaultMaxChatMessageBytes = int64(64 * 1024)
	DefaultChatWriteWait       = 1 * time.Second
	DefaultChatEnvelopesPerSec = 25

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	VoiceListenAddr string
	ChatListenAddr  string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	VoiceReadTimeout        time.Duration
	VoiceDefaultBitrateKbps int
	VoicePacketsPerSec      int

	MaxChatMessageBytes int64
	ChatWriteWait       time.Duration
	ChatEnvelopesPerSec int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	voiceListenAddr := envOrDefault(lookup, envVarVoiceListenAddr, DefaultVoiceListenAddr)
	chatListenAddr := envOrDefault(lookup, envVarChatListenAddr, DefaultChatListenAddr)

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	voiceReadTimeout := DefaultVoiceReadTimeout
	if raw, ok := lookup(envVarVoiceReadTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarVoiceReadTimeout, raw, err)
		}
		voiceReadTimeout = d
	}

	voiceDefaultBitrate, err := envIntOrDefault(lookup, envVarVoiceDefaultBitrateKbps, DefaultVoiceDefaultBitrateKbps)
	if err != nil {
		return Config{}, err
	}

	voicePacketsPerSec, err := envIntOrDefault(lookup, envVarVoicePacketsPerSec, DefaultVoicePacketsPerSec)
	if err != nil {
		return Config{}, err
	}

	chatEnvelopesPerSec, err := envIntOrDefault(lookup, envVarChatEnvelopesPerSec, DefaultChatEnvelopesPerSec)
	if err != nil {
		return Config{}, err
	}

	maxChatMessageBytes := DefaultMaxChatMessageBytes
	if raw, ok := lookup(envVarMaxChatMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxChatMessageBytes, raw, err)
		}
		maxChatMessageBytes = n
	}

	chatWriteWait := DefaultChatWriteWait
	if raw, ok := lookup(envVarChatWriteWait); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarChatWriteWait, raw, err)
		}
		chatWriteWait = d
	}

	fs := flag.NewFlagSet("realtime-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&voiceListenAddr, "voice-listen-addr", voiceListenAddr, "UDP listen address for the voice relay (env "+envVarVoiceListenAddr+")")
	fs.StringVar(&chatListenAddr, "chat-listen-addr", chatListenAddr, "HTTP listen address for the chat relay (env "+envVarChatListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&voiceReadTimeout, "voice-read-timeout", voiceReadTimeout, "Per-read deadline on the voice UDP socket (env "+envVarVoiceReadTimeout+")")
	fs.IntVar(&voiceDefaultBitrate, "voice-default-bitrate-kbps", voiceDefaultBitrate, "Bitrate assumed when a join omits it (env "+envVarVoiceDefaultBitrateKbps+")")
	fs.IntVar(&voicePacketsPerSec, "voice-packets-per-sec", voicePacketsPerSec, "Per-endpoint inbound packet rate limit, 0 disables (env "+envVarVoicePacketsPerSec+")")
	fs.IntVar(&chatEnvelopesPerSec, "chat-envelopes-per-sec", chatEnvelopesPerSec, "Per-connection inbound envelope rate limit, 0 disables (env "+envVarChatEnvelopesPerSec+")")
	fs.Int64Var(&maxChatMessageBytes, "max-chat-message-bytes", maxChatMessageBytes, "Max inbound chat envelope size in bytes (env "+envVarMaxChatMessageBytes+")")
	fs.DurationVar(&chatWriteWait, "chat-write-wait", chatWriteWait, "Per-write deadline on chat connections (env "+envVarChatWriteWait+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if voiceListenAddr == "" {
		return Config{}, fmt.Errorf("voice listen address must not be empty")
	}
	if chatListenAddr == "" {
		return Config{}, fmt.Errorf("chat listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if voiceReadTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--voice-read-timeout must be > 0", envVarVoiceReadTimeout)
	}
	if voiceDefaultBitrate <= 0 {
		return Config{}, fmt.Errorf("%s/--voice-default-bitrate-kbps must be > 0", envVarVoiceDefaultBitrateKbps)
	}
	if voicePacketsPerSec < 0 {
		return Config{}, fmt.Errorf("%s/--voice-packets-per-sec must be >= 0", envVarVoicePacketsPerSec)
	}
	if chatEnvelopesPerSec < 0 {
		return Config{}, fmt.Errorf("%s/--chat-envelopes-per-sec must be >= 0", envVarChatEnvelopesPerSec)
	}
	if maxChatMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-chat-message-bytes must be > 0", envVarMaxChatMessageBytes)
	}
	if chatWriteWait <= 0 {
		return Config{}, fmt.Errorf("%s/--chat-write-wait must be > 0", envVarChatWriteWait)
	}

	return Config{
		VoiceListenAddr: voiceListenAddr,
		ChatListenAddr:  chatListenAddr,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		VoiceReadTimeout:        voiceReadTimeout,
		VoiceDefaultBitrateKbps: voiceDefaultBitrate,
		VoicePacketsPerSec:      voicePacketsPerSec,

		MaxChatMessageBytes: maxChatMessageBytes,
		ChatWriteWait:       chatWriteWait,
		ChatEnvelopesPerSec: chatEnvelopesPerSec,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (expected debug, info, warn or error)", raw)
	}
}
