package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the gateway options.
const (
	DefaultPort                  = 3001
	DefaultNamespace             = "/collaboration"
	DefaultPingInterval          = 25000 * time.Millisecond
	DefaultPingTimeout           = 20000 * time.Millisecond
	DefaultSweepInterval         = 60000 * time.Millisecond
	DefaultMaxConnectionsPerUser = 5
	DefaultRoomLimit             = 50
	DefaultLockTTL               = 300000 * time.Millisecond
	DefaultLockHeartbeat         = 60000 * time.Millisecond
	DefaultLockSweep             = 60000 * time.Millisecond
	DefaultShutdownTimeout       = 5000 * time.Millisecond
	// SignalShutdownTimeout overrides ShutdownTimeout when shutdown is
	// triggered by an OS signal.
	SignalShutdownTimeout = 3000 * time.Millisecond
)

// Config holds validated environment configuration.
type Config struct {
	// Gateway
	Enabled               bool
	Port                  int
	Namespace             string
	CORSOrigin            []string
	Transports            []string
	PingInterval          time.Duration
	PingTimeout           time.Duration
	SweepInterval         time.Duration
	MaxConnectionsPerUser int
	RoomLimitDefault      int
	RoomLimits            map[string]int
	ShutdownTimeout       time.Duration

	// Locks
	LockTTL               time.Duration
	LockHeartbeatInterval time.Duration
	LockSweepInterval     time.Duration

	// Token validation. Issuer and audience checks are skipped when left at
	// their empty defaults.
	JWTSecret  string
	AuthDomain string
	Issuer     string
	Audience   string

	// Redis
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate limits
	EventRateLimit     int
	EventRateWindow    time.Duration
	ConnectRateIP      string
	ConnectRateUser    string
	RateLimitingActive bool

	// External doc-sync service health probe
	DocSyncAddr         string
	DocSyncHealthCheck  bool
	OTELCollectorAddr   string
	TracingEnabled      bool
	GoEnv               string
	LogLevel            string
}

// ValidateEnv validates all recognized environment variables and returns a
// Config. Every problem is collected so startup fails with a single
// aggregated error listing all of them.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Enabled = getEnvOrDefault("COLLAB_ENABLED", "true") != "false"

	// PORT
	portStr := getEnvOrDefault("PORT", strconv.Itoa(DefaultPort))
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be between 1 and 65535 (got '%s')", portStr))
	}
	cfg.Port = port

	// Namespace must start with '/'
	cfg.Namespace = getEnvOrDefault("COLLAB_NAMESPACE", DefaultNamespace)
	if !strings.HasPrefix(cfg.Namespace, "/") {
		errs = append(errs, fmt.Sprintf("COLLAB_NAMESPACE must start with '/' (got '%s')", cfg.Namespace))
	}

	// CORS origins
	cfg.CORSOrigin = splitList(getEnvOrDefault("CORS_ORIGIN", "*"))

	// Transports, ordered, at least one
	cfg.Transports = splitList(getEnvOrDefault("TRANSPORTS", "websocket,polling"))
	if len(cfg.Transports) == 0 {
		errs = append(errs, "TRANSPORTS must list at least one transport")
	}
	for _, tr := range cfg.Transports {
		if tr != "websocket" && tr != "polling" {
			errs = append(errs, fmt.Sprintf("TRANSPORTS contains unknown transport '%s'", tr))
		}
	}

	cfg.PingInterval = durationEnv("PING_INTERVAL_MS", DefaultPingInterval, &errs)
	cfg.PingTimeout = durationEnv("PING_TIMEOUT_MS", DefaultPingTimeout, &errs)
	if cfg.PingTimeout >= cfg.PingInterval {
		errs = append(errs, fmt.Sprintf("PING_TIMEOUT_MS (%v) must be less than PING_INTERVAL_MS (%v)", cfg.PingTimeout, cfg.PingInterval))
	}
	cfg.SweepInterval = durationEnv("SWEEP_INTERVAL_MS", DefaultSweepInterval, &errs)

	cfg.MaxConnectionsPerUser = intEnv("MAX_CONNECTIONS_PER_USER", DefaultMaxConnectionsPerUser, &errs)
	if cfg.MaxConnectionsPerUser < 1 {
		errs = append(errs, fmt.Sprintf("MAX_CONNECTIONS_PER_USER must be at least 1 (got %d)", cfg.MaxConnectionsPerUser))
	}

	cfg.RoomLimitDefault = intEnv("ROOM_LIMIT_DEFAULT", DefaultRoomLimit, &errs)
	if cfg.RoomLimitDefault < 1 {
		errs = append(errs, fmt.Sprintf("ROOM_LIMIT_DEFAULT must be at least 1 (got %d)", cfg.RoomLimitDefault))
	}

	// ROOM_LIMITS format: "type=limit,type=limit"
	cfg.RoomLimits = make(map[string]int)
	if raw := os.Getenv("ROOM_LIMITS"); raw != "" {
		for _, pair := range splitList(raw) {
			parts := strings.SplitN(pair, "=", 2)
			if len(parts) != 2 {
				errs = append(errs, fmt.Sprintf("ROOM_LIMITS entry '%s' must be 'type=limit'", pair))
				continue
			}
			limit, err := strconv.Atoi(parts[1])
			if err != nil || limit < 1 {
				errs = append(errs, fmt.Sprintf("ROOM_LIMITS entry '%s' has an invalid limit", pair))
				continue
			}
			cfg.RoomLimits[parts[0]] = limit
		}
	}

	cfg.LockTTL = durationEnv("LOCK_TTL_MS", DefaultLockTTL, &errs)
	cfg.LockHeartbeatInterval = durationEnv("LOCK_HEARTBEAT_INTERVAL_MS", DefaultLockHeartbeat, &errs)
	cfg.LockSweepInterval = durationEnv("LOCK_SWEEP_INTERVAL_MS", DefaultLockSweep, &errs)
	cfg.ShutdownTimeout = durationEnv("SHUTDOWN_TIMEOUT_MS", DefaultShutdownTimeout, &errs)

	// Token material: a shared secret or a JWKS domain, exactly one required.
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.Issuer = os.Getenv("AUTH_ISSUER")
	cfg.Audience = os.Getenv("AUTH_AUDIENCE")
	if cfg.JWTSecret == "" && cfg.AuthDomain == "" {
		errs = append(errs, "one of JWT_SECRET or AUTH_DOMAIN is required")
	}
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Redis (required when enabled)
	cfg.RedisEnabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Event rate limiting; limit 0 disables it
	cfg.EventRateLimit = intEnv("EVENT_RATE_LIMIT", 100, &errs)
	cfg.EventRateWindow = durationEnv("EVENT_RATE_WINDOW_MS", 10*time.Second, &errs)
	cfg.RateLimitingActive = cfg.EventRateLimit > 0
	cfg.ConnectRateIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.ConnectRateUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "30-M")

	cfg.DocSyncAddr = getEnvOrDefault("DOC_SYNC_ADDR", "localhost:50061")
	cfg.DocSyncHealthCheck = os.Getenv("DOC_SYNC_HEALTH_CHECK_ENABLED") == "true"
	cfg.OTELCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	cfg.TracingEnabled = cfg.OTELCollectorAddr != ""

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// Development reports whether the process runs in a development environment.
func (c *Config) Development() bool {
	return c.GoEnv == "development"
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(key string, def int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return def
	}
	return v
}

func durationEnv(key string, def time.Duration, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return def
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive number of milliseconds (got '%s')", key, raw))
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated",
		"enabled", cfg.Enabled,
		"port", cfg.Port,
		"namespace", cfg.Namespace,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"auth_domain", cfg.AuthDomain,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"ping_interval", cfg.PingInterval,
		"ping_timeout", cfg.PingTimeout,
		"max_connections_per_user", cfg.MaxConnectionsPerUser,
		"lock_ttl", cfg.LockTTL,
		"go_env", cfg.GoEnv,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
