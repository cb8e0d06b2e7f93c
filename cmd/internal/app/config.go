package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisAddr switches presence tracking to Redis when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATSURL switches the broadcast bus to NATS when set. Empty means the
	// in-process bus (single-node deployments).
	NATSURL string

	// JWTSecret signs and verifies identity tokens.
	JWTSecret string

	// CORS policy for the REST room surface. Origins may use a wildcard
	// port ("http://127.0.0.1:*") for local development.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	DrainInterval    time.Duration
	DrainBatchSize   int
	ReapInterval     time.Duration
	HeartbeatTimeout time.Duration
	PresenceTTL      time.Duration

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, RELAY_JWT_SECRET MUST be set and at least 32 bytes long.
	RequireStrongSecret bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("RELAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("RELAY_LOG_LEVEL", "info"),
		LogFormat: EnvString("RELAY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RELAY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("RELAY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RELAY_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("RELAY_REDIS_ADDR", ""),
		RedisPassword: EnvString("RELAY_REDIS_PASSWORD", ""),
		RedisDB:       EnvIntNonNegative("RELAY_REDIS_DB", 0),

		NATSURL: EnvString("RELAY_NATS_URL", ""),

		JWTSecret: EnvString("RELAY_JWT_SECRET", ""),

		CORSAllowedOrigins:   EnvStringSlice("RELAY_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("RELAY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvIntNonNegative("RELAY_CORS_MAX_AGE_SECONDS", 600),

		DrainInterval:    EnvDuration("RELAY_DRAIN_INTERVAL", 500*time.Millisecond),
		DrainBatchSize:   EnvInt("RELAY_DRAIN_BATCH", 100),
		ReapInterval:     EnvDuration("RELAY_REAP_INTERVAL", 20*time.Second),
		HeartbeatTimeout: EnvDuration("RELAY_HEARTBEAT_TIMEOUT", 15*time.Second),
		PresenceTTL:      EnvDuration("RELAY_PRESENCE_TTL", 30*time.Second),

		ReadinessRequireDB: EnvBool("RELAY_READINESS_REQUIRE_DB", false),

		RequireStrongSecret: EnvBool("RELAY_REQUIRE_STRONG_SECRET", false),
	}
}
