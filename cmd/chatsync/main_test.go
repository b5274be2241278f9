package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}

	require.NoError(t, setConfigValue(cfg, "default.api_base", "https://api.example.com"))
	require.NoError(t, setConfigValue(cfg, "default.ws_base", "wss://rt.example.com"))
	require.NoError(t, setConfigValue(cfg, "auth.token", "tok"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "42"))
	require.NoError(t, setConfigValue(cfg, "log.level", "debug"))
	require.NoError(t, setConfigValue(cfg, "cache.disabled", "true"))

	assert.Equal(t, "https://api.example.com", cfg.Default.APIBase)
	assert.Equal(t, "wss://rt.example.com", cfg.Default.WSBase)
	assert.Equal(t, "tok", cfg.Auth.Token)
	assert.Equal(t, int64(42), cfg.Auth.UserID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Cache.Disabled)

	for _, key := range []string{"api_base", "default.nope", "auth.user_id", "nosection.x", "cache.disabled"} {
		assert.Error(t, setConfigValue(cfg, key, "x"), key)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	configFlag = filepath.Join(t.TempDir(), "config.toml")
	t.Cleanup(func() { configFlag = "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)

	cfg.Default.APIBase = "http://localhost:3000"
	cfg.Auth = ConfigAuth{Token: "secret-token-value", UserID: 7}
	require.NoError(t, saveConfig(cfg))

	got, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, *cfg, *got)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CHATSYNC_TOKEN", "from-env")
	t.Setenv("CHATSYNC_USER_ID", "9")
	t.Setenv("CHATSYNC_API_BASE", "http://env")

	cfg := &Config{Auth: ConfigAuth{Token: "file", UserID: 1}}
	applyEnv(cfg)

	assert.Equal(t, "from-env", cfg.Auth.Token)
	assert.Equal(t, int64(9), cfg.Auth.UserID)
	assert.Equal(t, "http://env", cfg.Default.APIBase)
	assert.Equal(t, "http://env", wsBase(cfg))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcdef...wxyz", maskKey("abcdef0123456789wxyz"))
}

func TestRequireSession(t *testing.T) {
	assert.Error(t, requireSession(&Config{}))
	assert.Error(t, requireSession(&Config{Auth: ConfigAuth{Token: "t", UserID: 1}}))
	assert.NoError(t, requireSession(&Config{
		Default: ConfigDefault{APIBase: "http://x"},
		Auth:    ConfigAuth{Token: "t", UserID: 1},
	}))
}

func TestRenderEffectiveMasksToken(t *testing.T) {
	t.Setenv("CHATSYNC_WS_BASE", "wss://env")
	cfg := &Config{Auth: ConfigAuth{Token: "abcdef0123456789wxyz", UserID: 3}}
	applyEnv(cfg)

	out, err := renderEffective(cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "abcdef...wxyz")
	assert.NotContains(t, out, "0123456789")
	assert.Contains(t, out, "wss://env")
	assert.Equal(t, "abcdef0123456789wxyz", cfg.Auth.Token, "caller's config is untouched")
	assert.Contains(t, envOverrides(), "CHATSYNC_WS_BASE")
}
