// Package config loads service settings from an optional YAML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"bulletin-notifier/scraper"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Europe/Rome must resolve on minimal images

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Page rendering modes.
const (
	RenderHTTP    = "http"
	RenderBrowser = "browser"
)

// Delivery channels, chosen from the configured credentials.
const (
	ChannelTelegram = "telegram"
	ChannelGmail    = "gmail"
	ChannelMock     = "mock"
)

// Config holds all service settings.
type Config struct {
	CheckInterval   time.Duration `yaml:"check_interval"`
	CheckSchedule   string        `yaml:"check_schedule"` // Cron expression; overrides CheckInterval
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	RunOnStart      bool          `yaml:"run_on_start"`

	StatePath     string `yaml:"state_path"`
	StorageBucket string `yaml:"storage_bucket"` // Cloud Storage replaces StatePath when set
	StateObject   string `yaml:"state_object"`

	SourceURL    string `yaml:"source_url"`
	SourceRender string `yaml:"source_render"`
	BrowserBin   string `yaml:"browser_bin"`        // Chromium binary; downloaded by rod when empty
	BrowserURL   string `yaml:"browser_remote_url"` // DevTools endpoint of an already running browser

	Timezone string `yaml:"timezone"`

	TelegramToken  string `yaml:"telegram_bot_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	TelegramAPIURL string `yaml:"telegram_api_url"`

	GoogleCredentialsJSON string `yaml:"google_credentials_json"`
	NotifyEmail           string `yaml:"notify_email"`

	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	location *time.Location
	level    slog.Level
}

// Load reads .env (if present), the YAML file named by CONFIG_FILE (if set)
// and the environment, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	cfg := defaults()

	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		CheckInterval:   15 * time.Minute,
		FetchTimeout:    60 * time.Second,
		DeliveryTimeout: 30 * time.Second,
		RunOnStart:      true,
		StatePath:       "./data/state.json",
		StateObject:     "state.json",
		SourceURL:       scraper.DefaultURL,
		SourceRender:    RenderHTTP,
		Timezone:        "Europe/Rome",
		Port:            "8080",
		LogLevel:        "info",
	}
}

// readFile overlays the YAML file on cfg. ${VAR} references are expanded
// from the process environment first.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	// CHECK_INTERVAL_SECONDS is the older integer form; CHECK_INTERVAL wins.
	if v, ok := lookup("CHECK_INTERVAL_SECONDS"); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHECK_INTERVAL_SECONDS: %w", err)
		}
		c.CheckInterval = time.Duration(secs) * time.Second
	}
	for key, dst := range map[string]*time.Duration{
		"CHECK_INTERVAL":   &c.CheckInterval,
		"FETCH_TIMEOUT":    &c.FetchTimeout,
		"DELIVERY_TIMEOUT": &c.DeliveryTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("RUN_ON_START"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RUN_ON_START: %w", err)
		}
		c.RunOnStart = b
	}

	str("CHECK_SCHEDULE", &c.CheckSchedule)
	str("STATE_PATH", &c.StatePath)
	str("STORAGE_BUCKET", &c.StorageBucket)
	str("STATE_OBJECT", &c.StateObject)
	str("SOURCE_URL", &c.SourceURL)
	str("SOURCE_RENDER", &c.SourceRender)
	str("ROD_BROWSER_BIN", &c.BrowserBin)
	str("ROD_REMOTE_URL", &c.BrowserURL)
	str("TIMEZONE", &c.Timezone)
	str("TELEGRAM_BOT_TOKEN", &c.TelegramToken)
	str("TELEGRAM_CHAT_ID", &c.TelegramChatID)
	str("TELEGRAM_API_URL", &c.TelegramAPIURL)
	str("GOOGLE_CREDENTIALS_JSON", &c.GoogleCredentialsJSON)
	str("NOTIFY_EMAIL", &c.NotifyEmail)
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	return nil
}

func (c *Config) validate() error {
	var errs []error

	if c.CheckSchedule == "" && c.CheckInterval <= 0 {
		errs = append(errs, errors.New("check interval must be positive"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("delivery timeout must be positive"))
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	c.location = loc

	c.SourceRender = strings.ToLower(strings.TrimSpace(c.SourceRender))
	if c.SourceRender != RenderHTTP && c.SourceRender != RenderBrowser {
		errs = append(errs, fmt.Errorf("source render must be %q or %q, got %q", RenderHTTP, RenderBrowser, c.SourceRender))
	}

	if (c.TelegramToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}
	if c.GoogleCredentialsJSON != "" && c.NotifyEmail == "" && c.TelegramToken == "" {
		errs = append(errs, errors.New("NOTIFY_EMAIL is required for Gmail delivery"))
	}

	if err := c.level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log level %q: %w", c.LogLevel, err))
	}

	if c.StorageBucket == "" && c.StatePath == "" {
		errs = append(errs, errors.New("either STATE_PATH or STORAGE_BUCKET is required"))
	}

	return errors.Join(errs...)
}

// Location is the time zone that defines the current calendar date.
func (c *Config) Location() *time.Location { return c.location }

// Level is the parsed log level.
func (c *Config) Level() slog.Level { return c.level }

// Channel reports which delivery provider the credentials select.
func (c *Config) Channel() string {
	switch {
	case c.TelegramToken != "":
		return ChannelTelegram
	case c.NotifyEmail != "":
		return ChannelGmail
	default:
		return ChannelMock
	}
}
