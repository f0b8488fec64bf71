// Package config loads the signaling server configuration from environment
// variables and flags. Env values become flag defaults, so flags always win.
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
	envVarListenAddr      = "MESHVOICE_LISTEN_ADDR"
	envVarSignalingPath   = "MESHVOICE_SIGNALING_PATH"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMode            = "MESHVOICE_MODE"
	envVarLogFormat       = "MESHVOICE_LOG_FORMAT"
	envVarLogLevel        = "MESHVOICE_LOG_LEVEL"
	envVarShutdownTimeout = "MESHVOICE_SHUTDOWN_TIMEOUT"

	// Signaling WebSocket auth + hardening.
	envVarAuthMode             = "AUTH_MODE"
	envVarAPIKey               = "API_KEY"
	envVarJWTSecret            = "JWT_SECRET"
	envVarWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Router knobs.
	envVarICEBatchDelay     = "ICE_BATCH_DELAY"
	envVarCandidateDedupTTL = "CANDIDATE_DEDUP_TTL"

	// Latency monitor.
	envVarLatencyWindow     = "LATENCY_WINDOW"
	envVarLatencyMaxSamples = "LATENCY_MAX_SAMPLES"

	// Ephemeral TURN credentials (coturn REST API). When the secret is set,
	// static TURN credentials become optional.
	envVarTURNRESTSecret = "MESHVOICE_TURN_REST_SECRET"
	envVarTURNRESTTTL    = "MESHVOICE_TURN_REST_TTL"

	// Optional Redis presence mirror.
	envVarRedisAddr   = "MESHVOICE_REDIS_ADDR"
	envVarRedisDB     = "MESHVOICE_REDIS_DB"
	envVarPresenceTTL = "MESHVOICE_PRESENCE_TTL"
)

const (
	DefaultListenAddr    = "127.0.0.1:8080"
	DefaultSignalingPath = "/ws"
	DefaultShutdown      = 15 * time.Second

	DefaultMode Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50

	// ICE candidates arrive in bursts; one short flush timer per room
	// amortizes dispatch without materially delaying establishment.
	DefaultICEBatchDelay     = 50 * time.Millisecond
	DefaultCandidateDedupTTL = 5 * time.Second

	DefaultLatencyWindow     = time.Minute
	DefaultLatencyMaxSamples = 1024

	DefaultPresenceTTL = 24 * time.Hour

	DefaultTURNRESTTTL = time.Hour
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

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type Config struct {
	ListenAddr      string
	SignalingPath   string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	ICEBatchDelay     time.Duration
	CandidateDedupTTL time.Duration

	LatencyWindow     time.Duration
	LatencyMaxSamples int

	// STUN/TURN lists forwarded to clients in the ice-servers event.
	STUNServers []string
	TURNServers []TURNServer

	// TURNRESTSecret, when non-empty, enables per-user time-limited TURN
	// credentials minted on connect instead of the static pair above.
	TURNRESTSecret string
	TURNRESTTTL    time.Duration

	// RedisAddr enables the room-presence mirror when non-empty.
	RedisAddr   string
	RedisDB     int
	PresenceTTL time.Duration
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
	signalingPath := envOrDefault(lookup, envVarSignalingPath, DefaultSignalingPath)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	iceBatchDelay, err := envDurationOrDefault(lookup, envVarICEBatchDelay, DefaultICEBatchDelay)
	if err != nil {
		return Config{}, err
	}
	dedupTTL, err := envDurationOrDefault(lookup, envVarCandidateDedupTTL, DefaultCandidateDedupTTL)
	if err != nil {
		return Config{}, err
	}
	latencyWindow, err := envDurationOrDefault(lookup, envVarLatencyWindow, DefaultLatencyWindow)
	if err != nil {
		return Config{}, err
	}
	presenceTTL, err := envDurationOrDefault(lookup, envVarPresenceTTL, DefaultPresenceTTL)
	if err != nil {
		return Config{}, err
	}

	latencyMaxSamples, err := envIntOrDefault(lookup, envVarLatencyMaxSamples, DefaultLatencyMaxSamples)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")

	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSecret, "")
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("meshvoice-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&signalingPath, "signaling-path", signalingPath, "WebSocket signaling path (env "+envVarSignalingPath+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle signaling connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on signaling connections (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxMessagesPerSecond+")")

	fs.DurationVar(&iceBatchDelay, "ice-batch-delay", iceBatchDelay, "Per-room ICE candidate batch flush delay (env "+envVarICEBatchDelay+")")
	fs.DurationVar(&dedupTTL, "candidate-dedup-ttl", dedupTTL, "Window for dropping duplicate ICE candidates (env "+envVarCandidateDedupTTL+")")

	fs.DurationVar(&latencyWindow, "latency-window", latencyWindow, "Rolling window for the latency monitor (env "+envVarLatencyWindow+")")
	fs.IntVar(&latencyMaxSamples, "latency-max-samples", latencyMaxSamples, "Sample ring capacity for the latency monitor (env "+envVarLatencyMaxSamples+")")

	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs sent to clients (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs sent to clients (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&turnRESTSecret, "turn-rest-secret", turnRESTSecret, "Shared secret for time-limited TURN credentials; empty disables (env "+envVarTURNRESTSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of minted TURN credentials (env "+envVarTURNRESTTTL+")")

	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for the room-presence mirror; empty disables (env "+envVarRedisAddr+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database for the presence mirror (env "+envVarRedisDB+")")
	fs.DurationVar(&presenceTTL, "presence-ttl", presenceTTL, "TTL on mirrored room-presence keys (env "+envVarPresenceTTL+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
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
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if !strings.HasPrefix(signalingPath, "/") {
		return Config{}, fmt.Errorf("%s/--signaling-path must start with /", envVarSignalingPath)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if iceBatchDelay <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-batch-delay must be > 0", envVarICEBatchDelay)
	}
	if dedupTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--candidate-dedup-ttl must be > 0", envVarCandidateDedupTTL)
	}
	if latencyWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--latency-window must be > 0", envVarLatencyWindow)
	}
	if latencyMaxSamples <= 0 {
		return Config{}, fmt.Errorf("%s/--latency-max-samples must be > 0", envVarLatencyMaxSamples)
	}
	if presenceTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--presence-ttl must be > 0", envVarPresenceTTL)
	}

	turnRESTSecret = strings.TrimSpace(turnRESTSecret)
	if turnRESTSecret != "" && turnRESTTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-rest-ttl must be > 0", envVarTURNRESTTTL)
	}

	stunServers, turnServers, err := parseICEFromValues(stunURLs, turnURLs, turnUsername, turnCredential, turnRESTSecret != "")
	if err != nil {
		return Config{}, err
	}
	if turnRESTSecret != "" && len(turnServers) == 0 {
		return Config{}, fmt.Errorf("%s requires %s to be set", envVarTURNRESTSecret, envTurnURLs)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		SignalingPath:   signalingPath,
		AllowedOrigins:  splitCommaSeparated(allowedOriginsStr),
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,

		ICEBatchDelay:     iceBatchDelay,
		CandidateDedupTTL: dedupTTL,

		LatencyWindow:     latencyWindow,
		LatencyMaxSamples: latencyMaxSamples,

		STUNServers: stunServers,
		TURNServers: turnServers,

		TURNRESTSecret: turnRESTSecret,
		TURNRESTTTL:    turnRESTTTL,

		RedisAddr:   redisAddr,
		RedisDB:     redisDB,
		PresenceTTL: presenceTTL,
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

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
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
		return 0, fmt.Errorf("invalid log level %q (expected debug, info, warn, or error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (expected none, api_key, or jwt)", raw)
	}
}
