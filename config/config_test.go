package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
server:
  port: 8080
  mode: debug
entitlement:
  owner_user_id: 42
  tiers: [basic, premium]
  products:
    - product_id: com.dreamjournal.premium.monthly
      tier: premium
      price_id: price_premium
revenuecat:
  api_key: sk_test
sync:
  max_attempts: 4
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ParsesSectionsAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", testYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(42), cfg.Entitlement.OwnerUserID)
	assert.Equal(t, []string{"basic", "premium"}, cfg.Entitlement.Tiers)
	require.Len(t, cfg.Entitlement.Products, 1)
	assert.Equal(t, "com.dreamjournal.premium.monthly", cfg.Entitlement.Products[0].ProductID)
	assert.Equal(t, "premium", cfg.Entitlement.Products[0].Tier)
	assert.Equal(t, 4, cfg.Sync.MaxAttempts)

	// defaults
	assert.Equal(t, 30, cfg.Entitlement.DefaultPeriodDays)
	assert.Equal(t, "https://api.revenuecat.com", cfg.RevenueCat.BaseURL)
	assert.Equal(t, "revenuecat_webhooks", cfg.Queue.WebhookQueue)
	assert.Equal(t, 500, cfg.Sync.BackoffMs)
}

func TestLoad_PrefersLocalConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", testYAML)
	writeConfig(t, dir, "config.local.yaml", "server:\n  port: 9090\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", testYAML)
	t.Setenv("REVENUECAT_API_KEY", "sk_from_env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk_from_env", cfg.RevenueCat.APIKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDurations_Fallbacks(t *testing.T) {
	assert.Equal(t, 30*24*time.Hour, EntitlementConfig{}.DefaultPeriod())
	assert.Equal(t, 7*24*time.Hour, EntitlementConfig{DefaultPeriodDays: 7}.DefaultPeriod())
	assert.Equal(t, 3, SyncConfig{}.Attempts())
	assert.Equal(t, 250*time.Millisecond, SyncConfig{BackoffMs: 250}.Backoff())
	assert.Equal(t, 10*time.Second, RevenueCatConfig{}.Timeout())
	assert.Equal(t, 15*time.Minute, ExpiryConfig{}.Interval())
}
