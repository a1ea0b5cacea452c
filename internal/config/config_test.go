package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"MAX_RETRIES", "CONCURRENCY", "PROXIES", "PROXY_FILE", "PROXY_POLICY",
	"PROXY_QUARANTINE", "PROXY_CHECK_URL", "PROXY_CHECK_TIMEOUT", "USER_DATA_ROOT",
	"BROWSER_ENGINE", "BROWSER_BIN", "STEP_TIMEOUT", "NAV_TIMEOUT", "COMPOSER_URL",
	"MARKETPLACE_URL", "TYPING_DELAY_MIN", "TYPING_DELAY_MAX", "LOG_LEVEL",
	"LOG_FORMAT", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "EVENTS_CHANNEL", "PORT",
}

// clearEnv unsets every configuration variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Empty(t, cfg.Proxies)
	assert.Equal(t, "recycle", cfg.ProxyPolicy)
	assert.Equal(t, 2*time.Minute, cfg.ProxyQuarantine)
	assert.Equal(t, "repositories/users/udd", cfg.UserDataRoot)
	assert.Equal(t, "rod", cfg.BrowserEngine)
	assert.Equal(t, 30*time.Second, cfg.StepTimeout)
	assert.Equal(t, 2*time.Minute, cfg.NavTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "profile-robot:events", cfg.EventsChannel)
	assert.Equal(t, 8080, cfg.GetPort())
	assert.False(t, cfg.HasRedisConfig())
	assert.False(t, cfg.HasProxyCheck())
}

func TestLoadConfigOverrides(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	proxyFile := filepath.Join(dir, "proxies.txt")
	require.NoError(t, os.WriteFile(proxyFile, []byte("# pool\n\n10.0.0.2:3128\n 10.0.0.3:3128:u:p \n"), 0o600))

	t.Setenv("MAX_RETRIES", "0")
	t.Setenv("CONCURRENCY", "3")
	t.Setenv("PROXIES", "10.0.0.1:3128, ,")
	t.Setenv("PROXY_FILE", proxyFile)
	t.Setenv("PROXY_POLICY", "quarantine")
	t.Setenv("PROXY_QUARANTINE", "45s")
	t.Setenv("BROWSER_ENGINE", "chromedp")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PROXY_CHECK_URL", "https://httpbin.org/ip")
	t.Setenv("PORT", "9090")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, []string{"10.0.0.1:3128", "10.0.0.2:3128", "10.0.0.3:3128:u:p"}, cfg.Proxies)
	assert.Equal(t, "quarantine", cfg.ProxyPolicy)
	assert.Equal(t, 45*time.Second, cfg.ProxyQuarantine)
	assert.Equal(t, "chromedp", cfg.BrowserEngine)
	assert.True(t, cfg.HasRedisConfig())
	assert.True(t, cfg.HasProxyCheck())
	assert.Equal(t, 9090, cfg.GetPort())
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non numeric retries", "MAX_RETRIES", "two"},
		{"negative retries", "MAX_RETRIES", "-1"},
		{"zero concurrency", "CONCURRENCY", "0"},
		{"bad duration", "STEP_TIMEOUT", "soon"},
		{"unknown policy", "PROXY_POLICY", "hoard"},
		{"unknown engine", "BROWSER_ENGINE", "webkit"},
		{"unknown log format", "LOG_FORMAT", "xml"},
		{"bad port", "PORT", "http"},
		{"inverted typing delay", "TYPING_DELAY_MIN", "1s"},
		{"missing proxy file", "PROXY_FILE", "/nonexistent/proxies.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
