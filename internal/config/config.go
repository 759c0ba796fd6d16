package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/spec-kit/qr-token-service/internal/domain"
)

// Token value bounds. The upper bound matches the qr_tokens.value column.
const (
	MinTokenLength = 32
	MaxTokenLength = 255
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Token    TokenConfig
	QR       QRConfig
	Cache    CacheConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values. An empty Addr disables the cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level    string
	Encoding string
	Service  string
}

// TokenConfig carries issuance policy. Durations are expressed in hours.
type TokenConfig struct {
	Length                   int
	MaxGenerateAttempts      int
	DefaultHours             map[domain.TokenKind]int
	ExpiryWarningDays        int
	RefreshResetsConsumption bool
	SweepIntervalMinutes     int
}

// QRConfig toggles code rendering.
type QRConfig struct {
	Enabled bool
	Size    int
}

// CacheConfig controls the Redis summary cache.
type CacheConfig struct {
	InfoTTLSeconds int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	redisAddr := getEnv("REDIS_ADDR", "127.0.0.1:6379")
	if !getEnvAsBool("REDIS_ENABLED", true) {
		redisAddr = ""
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "qr-token-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "2.0.0"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Encoding: getEnv("LOG_ENCODING", "json"),
			Service:  getEnv("APP_NAME", "qr-token-service"),
		},
		Token: TokenConfig{
			Length:              getEnvAsInt("TOKEN_LENGTH", MinTokenLength),
			MaxGenerateAttempts: getEnvAsInt("TOKEN_MAX_GENERATE_ATTEMPTS", 10),
			DefaultHours: map[domain.TokenKind]int{
				domain.TokenKindStaff:      getEnvAsInt("TOKEN_DEFAULT_HOURS_STAFF", 8760),
				domain.TokenKindSupervisor: getEnvAsInt("TOKEN_DEFAULT_HOURS_SUPERVISOR", 8760),
				domain.TokenKindTemporary:  getEnvAsInt("TOKEN_DEFAULT_HOURS_TEMPORARY", 24),
				domain.TokenKindVisitor:    getEnvAsInt("TOKEN_DEFAULT_HOURS_VISITOR", 8),
			},
			ExpiryWarningDays:        getEnvAsInt("TOKEN_EXPIRY_WARNING_DAYS", 30),
			RefreshResetsConsumption: getEnvAsBool("TOKEN_REFRESH_RESETS_CONSUMPTION", false),
			SweepIntervalMinutes:     getEnvAsInt("TOKEN_SWEEP_INTERVAL_MINUTES", 0),
		},
		QR: QRConfig{
			Enabled: getEnvAsBool("QR_ENABLED", true),
			Size:    getEnvAsInt("QR_SIZE", 256),
		},
		Cache: CacheConfig{
			InfoTTLSeconds: getEnvAsInt("CACHE_INFO_TTL_SECONDS", 15),
		},
	}

	if err := cfg.Token.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects policy values the lifecycle engine cannot honour.
func (t TokenConfig) Validate() error {
	if t.Length < MinTokenLength {
		return fmt.Errorf("TOKEN_LENGTH must be at least %d, got %d", MinTokenLength, t.Length)
	}
	if t.Length > MaxTokenLength {
		return fmt.Errorf("TOKEN_LENGTH must be at most %d, got %d", MaxTokenLength, t.Length)
	}
	if t.MaxGenerateAttempts <= 0 {
		return fmt.Errorf("TOKEN_MAX_GENERATE_ATTEMPTS must be positive, got %d", t.MaxGenerateAttempts)
	}
	for _, kind := range domain.TokenKinds {
		if t.DefaultHours[kind] <= 0 {
			return fmt.Errorf("default duration for %s tokens must be positive", kind)
		}
	}
	return nil
}

// DefaultDuration returns the configured lifetime for a kind.
func (t TokenConfig) DefaultDuration(kind domain.TokenKind) time.Duration {
	return time.Duration(t.DefaultHours[kind]) * time.Hour
}

// SweepInterval returns how often expired tokens are deactivated. Zero, the
// default, leaves expiry to read time and the cleanup endpoint.
func (t TokenConfig) SweepInterval() time.Duration {
	if t.SweepIntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(t.SweepIntervalMinutes) * time.Minute
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// InfoTTL returns how long summary counts stay cached.
func (c CacheConfig) InfoTTL() time.Duration {
	return time.Duration(c.InfoTTLSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
