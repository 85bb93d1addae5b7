package config

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")

	c, err := New()
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, 15*time.Minute, c.AccessTokenTTL)
	assert.Equal(t, 720*time.Hour, c.RefreshTokenTTL)
	assert.Equal(t, []string{"http://localhost:3000"}, c.CORSAllowedOrigins)
	assert.Equal(t, c.JwtSecret, c.TokenHashSecret)
	assert.Equal(t, 12, c.BcryptCost)
	assert.Equal(t, slog.LevelInfo, c.SlogLevel())
}

func TestNewPostgresAliases(t *testing.T) {
	t.Setenv("DB_ADAPTER", "postgres")
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("POSTGRES_HOST", "")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_USER", "alice")
	t.Setenv("DB_NAME", "dash")
	t.Setenv("DB_PASSWORD", "")
	t.Setenv("POSTGRES_PASSWORD", "")

	c, err := New()
	require.NoError(t, err)
	assert.Contains(t, c.PostgresDSN, "host=db.internal")
	assert.Contains(t, c.PostgresDSN, "user=alice")
	assert.Contains(t, c.PostgresDSN, "dbname=dash")
}

func TestNewRejectsDefaultSecretInProduction(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestNewRequiresSeparateHashSecretInProduction(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "a-real-signing-secret")
	t.Setenv("TOKEN_HASH_SECRET", "")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_HASH_SECRET")

	t.Setenv("TOKEN_HASH_SECRET", "a-real-signing-secret")
	_, err = New()
	require.Error(t, err)

	t.Setenv("TOKEN_HASH_SECRET", "a-separate-hash-key")
	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "a-separate-hash-key", c.TokenHashSecret)
}

func TestNewParsesTrustedProxies(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.7/32"),
	}, c.TrustedProxies)

	t.Setenv("TRUSTED_PROXIES", "not-an-ip")
	_, err = New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRUSTED_PROXIES")
}

func TestNewRejectsUnknownAdapter(t *testing.T) {
	t.Setenv("DB_ADAPTER", "mongo")

	_, err := New()
	require.Error(t, err)
}

func TestNewParsesOriginsAndDurations(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.test, ,https://b.test ")
	t.Setenv("LOGIN_RATE_WINDOW", "30s")
	t.Setenv("LOG_LEVEL", "DEBUG")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, c.CORSAllowedOrigins)
	assert.Equal(t, 30*time.Second, c.LoginRateWindow)
	assert.Equal(t, slog.LevelDebug, c.SlogLevel())
}

func TestBuildPostgresDSNRequiresHost(t *testing.T) {
	c := &Config{PostgresUser: "u", PostgresDB: "d"}
	_, err := c.BuildPostgresDSN()
	require.Error(t, err)

	c.PostgresHost = "h"
	dsn, err := c.BuildPostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, "host=h port=5432 user=u dbname=d sslmode=disable", dsn)
}
