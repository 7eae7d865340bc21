package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("P2P_JWT_SECRET", "test-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "test-secret", cfg.JWTSecret)
	assert.True(t, cfg.MakerFee().Equal(decimal.RequireFromString("0.001")))
	assert.True(t, cfg.TakerFee().Equal(decimal.RequireFromString("0.002")))
	assert.True(t, cfg.MinTrade().Equal(decimal.NewFromInt(10)))
	assert.True(t, cfg.MaxTrade().Equal(decimal.NewFromInt(100000)))
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: production
listen_addr: ":9090"
jwt_secret: file-secret
taker_fee_pct: 0.005
`), 0o600))

	t.Setenv("P2P_LISTEN_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, ":7070", cfg.ListenAddr, "env overrides file")
	assert.Equal(t, "file-secret", cfg.JWTSecret)
	assert.True(t, cfg.TakerFee().Equal(decimal.RequireFromString("0.005")))
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("P2P_JWT_SECRET", "test-secret")
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
