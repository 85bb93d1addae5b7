// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJwtSecret = "change-me"

type Config struct {
	Port          string
	Env           string
	DBAdapter     string
	SQLiteFile    string
	MigrationsDir string
	LogLevel      string

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Token settings
	JwtSecret       string
	JwtIssuer       string
	TokenHashSecret string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	OneTimeTokenTTL time.Duration
	BcryptCost      int
	CookieSecure    bool

	// CORS
	CORSAllowedOrigins []string
	CORSMaxAge         time.Duration

	// Redis backs the rate limiter when set; the in-process limiter is used otherwise.
	RedisURL           string
	RedisTLSSkipVerify bool

	// TrustedProxies may set X-Forwarded-For. Other peers are keyed by their own address.
	TrustedProxies []netip.Prefix

	LoginRateLimit  int
	LoginRateWindow time.Duration
	ResetRateLimit  int
	ResetRateWindow time.Duration
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// SlogLevel maps LOG_LEVEL onto a slog level. Unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine

	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "")
	v.SetDefault("DB_ADAPTER", "postgres")
	v.SetDefault("SQLITE_FILE", "./data/pipelinedash.db")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("POSTGRES_DSN", "")
	// POSTGRES_* wins over the shorter DB_* aliases.
	_ = v.BindEnv("POSTGRES_HOST", "POSTGRES_HOST", "DB_HOST")
	_ = v.BindEnv("POSTGRES_PORT", "POSTGRES_PORT", "DB_PORT")
	_ = v.BindEnv("POSTGRES_USER", "POSTGRES_USER", "DB_USER")
	_ = v.BindEnv("POSTGRES_PASSWORD", "POSTGRES_PASSWORD", "DB_PASSWORD")
	_ = v.BindEnv("POSTGRES_DB", "POSTGRES_DB", "DB_NAME")
	_ = v.BindEnv("POSTGRES_SSLMODE", "POSTGRES_SSLMODE", "DB_SSLMODE")
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_USER", "pipeline")
	v.SetDefault("POSTGRES_PASSWORD", "pipelinepass")
	v.SetDefault("POSTGRES_DB", "pipelinedash")
	v.SetDefault("POSTGRES_SSLMODE", "disable")

	v.SetDefault("JWT_SECRET", defaultJwtSecret)
	v.SetDefault("JWT_ISSUER", "pipelinedash")
	v.SetDefault("TOKEN_HASH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "720h")
	v.SetDefault("ONE_TIME_TOKEN_TTL", "1h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("COOKIE_SECURE", true)

	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("CORS_MAX_AGE", "10m")

	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_TLS_INSECURE_SKIP_VERIFY", false)
	v.SetDefault("TRUSTED_PROXIES", "")

	v.SetDefault("LOGIN_RATE_LIMIT", 5)
	v.SetDefault("LOGIN_RATE_WINDOW", "1m")
	v.SetDefault("RESET_RATE_LIMIT", 3)
	v.SetDefault("RESET_RATE_WINDOW", "15m")
	return v
}

func New() (*Config, error) {
	v := newViper()

	c := &Config{
		Port:          v.GetString("PORT"),
		Env:           v.GetString("ENV"),
		DBAdapter:     v.GetString("DB_ADAPTER"),
		SQLiteFile:    v.GetString("SQLITE_FILE"),
		MigrationsDir: v.GetString("MIGRATIONS_DIR"),
		LogLevel:      v.GetString("LOG_LEVEL"),

		PostgresDSN:      v.GetString("POSTGRES_DSN"),
		PostgresHost:     v.GetString("POSTGRES_HOST"),
		PostgresPort:     v.GetString("POSTGRES_PORT"),
		PostgresUser:     v.GetString("POSTGRES_USER"),
		PostgresPassword: v.GetString("POSTGRES_PASSWORD"),
		PostgresDB:       v.GetString("POSTGRES_DB"),
		PostgresSSLMode:  v.GetString("POSTGRES_SSLMODE"),

		JwtSecret:       v.GetString("JWT_SECRET"),
		JwtIssuer:       v.GetString("JWT_ISSUER"),
		TokenHashSecret: v.GetString("TOKEN_HASH_SECRET"),
		AccessTokenTTL:  v.GetDuration("ACCESS_TOKEN_TTL"),
		RefreshTokenTTL: v.GetDuration("REFRESH_TOKEN_TTL"),
		OneTimeTokenTTL: v.GetDuration("ONE_TIME_TOKEN_TTL"),
		BcryptCost:      v.GetInt("BCRYPT_COST"),
		CookieSecure:    v.GetBool("COOKIE_SECURE"),

		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		CORSMaxAge:         v.GetDuration("CORS_MAX_AGE"),

		RedisURL:           v.GetString("REDIS_URL"),
		RedisTLSSkipVerify: v.GetBool("REDIS_TLS_INSECURE_SKIP_VERIFY"),

		LoginRateLimit:  v.GetInt("LOGIN_RATE_LIMIT"),
		LoginRateWindow: v.GetDuration("LOGIN_RATE_WINDOW"),
		ResetRateLimit:  v.GetInt("RESET_RATE_LIMIT"),
		ResetRateWindow: v.GetDuration("RESET_RATE_WINDOW"),
	}

	proxies, err := parsePrefixes(splitList(v.GetString("TRUSTED_PROXIES")))
	if err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	c.TrustedProxies = proxies

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if c.IsProduction() && (c.JwtSecret == "" || c.JwtSecret == defaultJwtSecret) {
		return errors.New("JWT_SECRET must be set in production")
	}
	if c.JwtSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if c.TokenHashSecret == "" {
		if c.IsProduction() {
			return errors.New("TOKEN_HASH_SECRET must be set in production")
		}
		c.TokenHashSecret = c.JwtSecret
	}
	if c.IsProduction() && c.TokenHashSecret == c.JwtSecret {
		return errors.New("TOKEN_HASH_SECRET must differ from JWT_SECRET in production")
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.OneTimeTokenTTL <= 0 {
		return errors.New("token TTLs must be positive durations")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("BCRYPT_COST must be between 4 and 31")
	}
	if c.LoginRateLimit <= 0 || c.ResetRateLimit <= 0 || c.LoginRateWindow <= 0 || c.ResetRateWindow <= 0 {
		return errors.New("rate limits and windows must be positive")
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parsePrefixes accepts CIDR ranges and bare addresses.
func parsePrefixes(items []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
