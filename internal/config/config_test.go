package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json5"))
	require.Nil(t, err)

	require.Equal(t, 8000, cfg.Port)
	require.Equal(t, "data/trendwatch.db", cfg.Database.File)
	require.True(t, cfg.UpstreamClient().CloudflareBypass)

	limiter := cfg.Limiter()
	require.Equal(t, 100, limiter.Requests)
	require.Equal(t, time.Minute, limiter.Period)

	require.Equal(t, time.Minute, cfg.Registry().MinInterval)
	require.Equal(t, time.Hour, cfg.Registry().DefaultInterval)
	require.Equal(t, 5*time.Minute, cfg.LoginSessions().QRLifetime)
	require.Equal(t, 24*time.Hour, cfg.SchedulerOptions().MaxInterval)
	require.True(t, cfg.Chrome().Headless)
}

func TestLoadYamlWithOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.Nil(t, os.WriteFile(path, []byte(`
port: 9100
upstream:
  cloudflare_bypass: false
  proxy: http://127.0.0.1:8080
rate_limit:
  requests: 30
scheduler:
  workers: 2
login:
  headless: false
`), 0644))
	require.Nil(t, os.WriteFile(filepath.Join(dir, "config.local.yaml"), []byte(`
scheduler:
  workers: 8
`), 0644))

	cfg, err := Load(path)
	require.Nil(t, err)
	require.Equal(t, 9100, cfg.Port)
	require.False(t, cfg.UpstreamClient().CloudflareBypass)
	require.Equal(t, "http://127.0.0.1:8080", cfg.UpstreamClient().Proxy)
	require.Equal(t, 30, cfg.Limiter().Requests)
	require.Equal(t, 8, cfg.SchedulerOptions().Workers)
	require.False(t, cfg.Chrome().Headless)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"port out of range", func(c *Config) { c.Port = 70000 }},
		{"bad proxy", func(c *Config) { c.Upstream.Proxy = "not a url" }},
		{"default below minimum", func(c *Config) {
			c.Scheduler.MinIntervalSeconds = 600
			c.Scheduler.DefaultIntervalSeconds = 60
		}},
		{"smtp without port", func(c *Config) { c.Smtp.Server = "smtp.example.com" }},
		{"too many workers", func(c *Config) { c.Scheduler.Workers = 1000 }},
	}
	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			cfg := Config{}
			cfg.Defaults()
			require.Nil(t, cfg.Validate())
			test.modify(&cfg)
			require.NotNil(t, cfg.Validate())
		})
	}
}

func TestSeedCookie(t *testing.T) {
	t.Setenv(CookieEnv, "  sessionid=abc \n")
	require.Equal(t, "sessionid=abc", SeedCookie())
}
