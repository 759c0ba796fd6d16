package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/qr-token-service/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("TOKEN_LENGTH", "")
	t.Setenv("TOKEN_DEFAULT_HOURS_VISITOR", "")
	t.Setenv("TOKEN_REFRESH_RESETS_CONSUMPTION", "")
	t.Setenv("TOKEN_SWEEP_INTERVAL_MINUTES", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, MinTokenLength, cfg.Token.Length)
	assert.Equal(t, 10, cfg.Token.MaxGenerateAttempts)
	assert.Equal(t, 8*time.Hour, cfg.Token.DefaultDuration(domain.TokenKindVisitor))
	assert.Equal(t, 24*time.Hour, cfg.Token.DefaultDuration(domain.TokenKindTemporary))
	assert.Equal(t, 8760*time.Hour, cfg.Token.DefaultDuration(domain.TokenKindStaff))
	assert.False(t, cfg.Token.RefreshResetsConsumption)
	assert.Equal(t, time.Duration(0), cfg.Token.SweepInterval())
	assert.Empty(t, cfg.Postgres.DSN)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TOKEN_LENGTH", "48")
	t.Setenv("TOKEN_DEFAULT_HOURS_VISITOR", "2")
	t.Setenv("TOKEN_REFRESH_RESETS_CONSUMPTION", "true")
	t.Setenv("CACHE_INFO_TTL_SECONDS", "60")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 48, cfg.Token.Length)
	assert.Equal(t, 2*time.Hour, cfg.Token.DefaultDuration(domain.TokenKindVisitor))
	assert.True(t, cfg.Token.RefreshResetsConsumption)
	assert.Equal(t, time.Minute, cfg.Cache.InfoTTL())
}

func TestLoadRejectsShortTokens(t *testing.T) {
	t.Setenv("TOKEN_LENGTH", "16")

	_, err := Load()
	assert.ErrorContains(t, err, "TOKEN_LENGTH")
}

func TestLoadRejectsTokensWiderThanColumn(t *testing.T) {
	t.Setenv("TOKEN_LENGTH", "256")

	_, err := Load()
	assert.ErrorContains(t, err, "at most 255")
}

func TestLoadSweepIsOptIn(t *testing.T) {
	t.Setenv("TOKEN_SWEEP_INTERVAL_MINUTES", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Token.SweepInterval())

	t.Setenv("TOKEN_SWEEP_INTERVAL_MINUTES", "30")

	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Token.SweepInterval())
}

func TestTokenConfigValidate(t *testing.T) {
	valid := TokenConfig{
		Length:              MinTokenLength,
		MaxGenerateAttempts: 3,
		DefaultHours: map[domain.TokenKind]int{
			domain.TokenKindStaff:      1,
			domain.TokenKindSupervisor: 1,
			domain.TokenKindTemporary:  1,
			domain.TokenKindVisitor:    1,
		},
	}
	require.NoError(t, valid.Validate())

	noAttempts := valid
	noAttempts.MaxGenerateAttempts = 0
	assert.Error(t, noAttempts.Validate())

	widest := valid
	widest.Length = MaxTokenLength
	assert.NoError(t, widest.Validate())

	tooWide := valid
	tooWide.Length = MaxTokenLength + 1
	assert.Error(t, tooWide.Validate())

	missingKind := valid
	missingKind.DefaultHours = map[domain.TokenKind]int{domain.TokenKindStaff: 1}
	assert.Error(t, missingKind.Validate())
}

func TestAppConfigRequestTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), AppConfig{}.RequestTimeout())
	assert.Equal(t, 5*time.Second, AppConfig{RequestTimeoutSeconds: 5}.RequestTimeout())
	assert.Equal(t, time.Duration(0), TokenConfig{}.SweepInterval())
	assert.Equal(t, 15*time.Minute, TokenConfig{SweepIntervalMinutes: 15}.SweepInterval())
	assert.Equal(t, "127.0.0.1:9000", AppConfig{Host: "127.0.0.1", Port: "9000"}.Addr())
}
