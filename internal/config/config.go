package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/db"
	"trendwatch/internal/login"
	"trendwatch/internal/notify"
	"trendwatch/internal/registry"
	"trendwatch/internal/scheduler"
	"trendwatch/internal/upstream"
	"trendwatch/lib/configutil"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// CookieEnv seeds the credential store on start.
const CookieEnv = "UPSTREAM_COOKIE"

type UpstreamConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	LiveBaseURL    string `json:"live_base_url" yaml:"live_base_url" validate:"omitempty,url"`
	UserAgent      string `json:"user_agent" yaml:"user_agent"`
	Proxy          string `json:"proxy" yaml:"proxy" validate:"omitempty,url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
	MaxAttempts    int    `json:"max_attempts" yaml:"max_attempts" validate:"gte=0,lte=10"`
	// CloudflareBypass is on unless explicitly disabled.
	CloudflareBypass *bool `json:"cloudflare_bypass" yaml:"cloudflare_bypass"`
	// SigningKey keys the request signer.
	SigningKey string `json:"signing_key" yaml:"signing_key"`
	// DumpDir writes raw upstream messages to disk, cookies are redacted.
	DumpDir string `json:"dump_dir" yaml:"dump_dir"`
}

type RateLimitConfig struct {
	Requests       int `json:"requests" yaml:"requests" validate:"gte=0"`
	PeriodSeconds  int `json:"period_seconds" yaml:"period_seconds" validate:"gte=0"`
	Burst          int `json:"burst" yaml:"burst" validate:"gte=0"`
	SpacingSeconds int `json:"spacing_seconds" yaml:"spacing_seconds" validate:"gte=0"`
	MaxWaitSeconds int `json:"max_wait_seconds" yaml:"max_wait_seconds" validate:"gte=0"`
}

type SchedulerConfig struct {
	TickSeconds            int `json:"tick_seconds" yaml:"tick_seconds" validate:"gte=0"`
	Workers                int `json:"workers" yaml:"workers" validate:"gte=0,lte=64"`
	QueueSize              int `json:"queue_size" yaml:"queue_size" validate:"gte=0"`
	MinIntervalSeconds     int `json:"min_interval_seconds" yaml:"min_interval_seconds" validate:"gte=0"`
	DefaultIntervalSeconds int `json:"default_interval_seconds" yaml:"default_interval_seconds" validate:"gte=0"`
	MaxBackoffLevel        int `json:"max_backoff_level" yaml:"max_backoff_level" validate:"gte=0,lte=10"`
	MaxIntervalHours       int `json:"max_interval_hours" yaml:"max_interval_hours" validate:"gte=0"`
	JobTimeoutSeconds      int `json:"job_timeout_seconds" yaml:"job_timeout_seconds" validate:"gte=0"`
}

type LoginConfig struct {
	LoginURL            string `json:"login_url" yaml:"login_url" validate:"omitempty,url"`
	ChromePath          string `json:"chrome_path" yaml:"chrome_path"`
	Headless            *bool  `json:"headless" yaml:"headless"`
	QRLifetimeSeconds   int    `json:"qr_lifetime_seconds" yaml:"qr_lifetime_seconds" validate:"gte=0"`
	PollIntervalSeconds int    `json:"poll_interval_seconds" yaml:"poll_interval_seconds" validate:"gte=0"`
}

type LogConfig struct {
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" validate:"gte=0"`
}

type Config struct {
	Port int `json:"port" yaml:"port" validate:"min=1,max=65535"`
	// AccessToken protects the api with a bearer token when set.
	AccessToken string `json:"access_token" yaml:"access_token"`
	Timezone    string `json:"timezone" yaml:"timezone"`
	// CookieFile is watched for a pasted cookie when set.
	CookieFile string `json:"cookie_file" yaml:"cookie_file"`

	Database  db.Config         `json:"database" yaml:"database"`
	Upstream  UpstreamConfig    `json:"upstream" yaml:"upstream"`
	RateLimit RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	Scheduler SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
	Login     LoginConfig       `json:"login" yaml:"login"`
	Log       LogConfig         `json:"log" yaml:"log"`
	Telemetry telemetry.Config  `json:"telemetry" yaml:"telemetry"`
	Smtp      notify.SmtpConfig `json:"smtp" yaml:"smtp"`
}

func orDefault(value *int, fallback int) {
	if *value <= 0 {
		*value = fallback
	}
}

// Defaults fills every unset field.
func (c *Config) Defaults() {
	orDefault(&c.Port, 8000)
	if c.Database.File == "" && c.Database.Url == "" {
		c.Database.File = "data/trendwatch.db"
	}
	if c.Upstream.CloudflareBypass == nil {
		enabled := true
		c.Upstream.CloudflareBypass = &enabled
	}
	orDefault(&c.Upstream.TimeoutSeconds, 30)
	orDefault(&c.Upstream.MaxAttempts, 3)

	orDefault(&c.RateLimit.Requests, 100)
	orDefault(&c.RateLimit.PeriodSeconds, 60)
	orDefault(&c.RateLimit.Burst, 5)
	orDefault(&c.RateLimit.SpacingSeconds, 2)
	orDefault(&c.RateLimit.MaxWaitSeconds, 60)

	orDefault(&c.Scheduler.TickSeconds, 5)
	orDefault(&c.Scheduler.Workers, 4)
	orDefault(&c.Scheduler.QueueSize, 256)
	orDefault(&c.Scheduler.MinIntervalSeconds, 60)
	orDefault(&c.Scheduler.DefaultIntervalSeconds, 3600)
	orDefault(&c.Scheduler.MaxBackoffLevel, 4)
	orDefault(&c.Scheduler.MaxIntervalHours, 24)
	orDefault(&c.Scheduler.JobTimeoutSeconds, 120)

	if c.Login.Headless == nil {
		headless := true
		c.Login.Headless = &headless
	}
	orDefault(&c.Login.QRLifetimeSeconds, 300)
	orDefault(&c.Login.PollIntervalSeconds, 2)

	orDefault(&c.Log.MaxSizeMB, 10)
	orDefault(&c.Log.MaxBackups, 3)
}

// Validate checks bounds after defaults were applied.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Scheduler.DefaultIntervalSeconds < c.Scheduler.MinIntervalSeconds {
		return fmt.Errorf(
			"invalid config: default interval %ds is below the minimum interval %ds",
			c.Scheduler.DefaultIntervalSeconds,
			c.Scheduler.MinIntervalSeconds,
		)
	}
	if c.Smtp.Server != "" && c.Smtp.Port == 0 {
		return fmt.Errorf("invalid config: smtp server requires a port")
	}
	return nil
}

// Load reads the config file (json5 or yaml) with its .local override and
// the .env file next to the working directory. A bare file name is also
// looked up in parent directories. A missing config file means all defaults.
func Load(path string) (Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if filepath.Base(path) == path {
		cfg, err = configutil.ReadRecursively[Config](path)
	} else {
		cfg, err = configutil.ReadConfig[Config](path)
	}
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		err = nil
	}
	if err != nil {
		return Config{}, err
	}

	cfg.Defaults()
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SeedCookie is the cookie given through the environment, if any.
func SeedCookie() string {
	return strings.TrimSpace(os.Getenv(CookieEnv))
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c Config) UpstreamClient() upstream.Config {
	return upstream.Config{
		BaseURL:          c.Upstream.BaseURL,
		LiveBaseURL:      c.Upstream.LiveBaseURL,
		UserAgent:        c.Upstream.UserAgent,
		Proxy:            c.Upstream.Proxy,
		Timeout:          seconds(c.Upstream.TimeoutSeconds),
		MaxAttempts:      c.Upstream.MaxAttempts,
		CloudflareBypass: c.Upstream.CloudflareBypass != nil && *c.Upstream.CloudflareBypass,
		DumpDir:          c.Upstream.DumpDir,
	}
}

func (c Config) Signer() upstream.ParamSigner {
	userAgent := c.Upstream.UserAgent
	if userAgent == "" {
		userAgent = upstream.DefaultUserAgent
	}
	return upstream.ParamSigner{
		Secret:    []byte(c.Upstream.SigningKey),
		UserAgent: userAgent,
	}
}

func (c Config) Limiter() upstream.LimiterConfig {
	return upstream.LimiterConfig{
		Requests: c.RateLimit.Requests,
		Period:   seconds(c.RateLimit.PeriodSeconds),
		Burst:    c.RateLimit.Burst,
		Spacing:  seconds(c.RateLimit.SpacingSeconds),
		MaxWait:  seconds(c.RateLimit.MaxWaitSeconds),
	}
}

func (c Config) Registry() registry.Config {
	return registry.Config{
		MinInterval:     seconds(c.Scheduler.MinIntervalSeconds),
		DefaultInterval: seconds(c.Scheduler.DefaultIntervalSeconds),
	}
}

func (c Config) SchedulerOptions() scheduler.Config {
	return scheduler.Config{
		Tick:            seconds(c.Scheduler.TickSeconds),
		Workers:         c.Scheduler.Workers,
		QueueSize:       c.Scheduler.QueueSize,
		MaxBackoffLevel: c.Scheduler.MaxBackoffLevel,
		MaxInterval:     time.Duration(c.Scheduler.MaxIntervalHours) * time.Hour,
	}
}

func (c Config) JobTimeout() time.Duration {
	return seconds(c.Scheduler.JobTimeoutSeconds)
}

func (c Config) LoginSessions() login.Config {
	return login.Config{
		QRLifetime:   seconds(c.Login.QRLifetimeSeconds),
		PollInterval: seconds(c.Login.PollIntervalSeconds),
	}
}

func (c Config) Chrome() login.ChromeLauncher {
	userAgent := c.Upstream.UserAgent
	if userAgent == "" {
		userAgent = upstream.DefaultUserAgent
	}
	loginURL := c.Login.LoginURL
	if loginURL == "" {
		loginURL = login.DefaultLoginURL
	}
	return login.ChromeLauncher{
		LoginURL:  loginURL,
		UserAgent: userAgent,
		Headless:  c.Login.Headless == nil || *c.Login.Headless,
		ExecPath:  c.Login.ChromePath,
	}
}

func (c Config) LogOptions(verbose bool) telemetry.LogOptions {
	return telemetry.LogOptions{
		Verbose:    verbose,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}
