package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/warmlink/rendezvous/internal/origin"
)

const (
	envVarListenAddr      = "RENDEZVOUS_LISTEN_ADDR"
	envVarPublicBaseURL   = "RENDEZVOUS_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "RENDEZVOUS_LOG_FORMAT"
	envVarLogLevel        = "RENDEZVOUS_LOG_LEVEL"
	envVarShutdownTimeout = "RENDEZVOUS_SHUTDOWN_TIMEOUT"
	envVarMode            = "RENDEZVOUS_MODE"

	// Registry / matchmaking knobs.
	envVarMaxClients        = "RENDEZVOUS_MAX_CLIENTS"
	envVarSweepInterval     = "RENDEZVOUS_SWEEP_INTERVAL"
	envVarClientIdleTimeout = "RENDEZVOUS_CLIENT_IDLE_TIMEOUT"

	// WebSocket hardening.
	envVarMaxMessageBytes      = "RENDEZVOUS_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "RENDEZVOUS_MAX_MESSAGES_PER_SECOND"
	envVarSendQueueSize        = "RENDEZVOUS_SEND_QUEUE_SIZE"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultSweepInterval     = 20 * time.Second
	DefaultClientIdleTimeout = 120 * time.Second

	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 25
	DefaultSendQueueSize        = 64
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
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// MaxClients caps concurrent registered clients. 0 = unlimited.
	MaxClients int
	// SweepInterval is the liveness sweep period.
	SweepInterval time.Duration
	// ClientIdleTimeout evicts clients silent for this long. Must be at
	// least twice SweepInterval so a probe can land between sweeps.
	ClientIdleTimeout time.Duration

	// MaxMessageBytes caps inbound WebSocket message size.
	MaxMessageBytes int64
	// MaxMessagesPerSecond caps inbound messages per connection.
	MaxMessagesPerSecond int
	// SendQueueSize bounds the per-connection outbound frame queue.
	SendQueueSize int

	// ICEServers is served to clients on /ice for their RTCPeerConnection
	// configuration. The server never dials ICE itself.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports a deferred ICE configuration failure. Startup
// proceeds without ICE servers; readiness reports the problem.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
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

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	maxClients, err := envIntOrDefault(lookup, envVarMaxClients, 0)
	if err != nil {
		return Config{}, err
	}

	sweepInterval := DefaultSweepInterval
	if raw, ok := lookup(envVarSweepInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSweepInterval, raw, err)
		}
		sweepInterval = d
	}

	clientIdleTimeout := DefaultClientIdleTimeout
	if raw, ok := lookup(envVarClientIdleTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarClientIdleTimeout, raw, err)
		}
		clientIdleTimeout = d
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueSize, err := envIntOrDefault(lookup, envVarSendQueueSize, DefaultSendQueueSize)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("rendezvousd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.IntVar(&maxClients, "max-clients", maxClients, "Maximum concurrent registered clients (0 = unlimited; env "+envVarMaxClients+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "Liveness sweep period (env "+envVarSweepInterval+")")
	fs.DurationVar(&clientIdleTimeout, "client-idle-timeout", clientIdleTimeout, "Evict clients with no activity for this duration (must be >= 2x --sweep-interval; env "+envVarClientIdleTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound WebSocket messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&sendQueueSize, "send-queue-size", sendQueueSize, "Outbound frame queue length per connection (env "+envVarSendQueueSize+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")

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

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if maxClients < 0 {
		return Config{}, fmt.Errorf("%s/--max-clients must be >= 0", envVarMaxClients)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--sweep-interval must be > 0", envVarSweepInterval)
	}
	if clientIdleTimeout < 2*sweepInterval {
		return Config{}, fmt.Errorf("%s/--client-idle-timeout must be >= 2x %s/--sweep-interval", envVarClientIdleTimeout, envVarSweepInterval)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if sendQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s/--send-queue-size must be > 0", envVarSendQueueSize)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		MaxClients:        maxClients,
		SweepInterval:     sweepInterval,
		ClientIdleTimeout: clientIdleTimeout,

		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		SendQueueSize:        sendQueueSize,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		// Deferred: the server starts, /readyz reports the problem.
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
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
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
