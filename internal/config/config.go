// Package config loads dashboard settings from an optional YAML file and
// AUTOSYNC_ environment variables, after reading a .env file if present.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultFile is read when no config file is named; it may be absent.
	DefaultFile = "autosync.yaml"
	// EnvPrefix scopes environment overrides. A double underscore separates
	// levels: AUTOSYNC_BACKEND__BASE_URL sets backend.base_url.
	EnvPrefix = "AUTOSYNC_"
)

// Config is the dashboard process configuration.
type Config struct {
	Backend BackendConfig `koanf:"backend"`
	Stream  StreamConfig  `koanf:"stream"`
	Console ConsoleConfig `koanf:"console"`
	NATS    NATSConfig    `koanf:"nats"`
	Tracing TracingConfig `koanf:"tracing"`
	Log     LogConfig     `koanf:"log"`
}

// BackendConfig addresses the analysis service.
type BackendConfig struct {
	BaseURL          string        `koanf:"base_url"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	RateLimit        float64       `koanf:"rate_limit"` // requests per second, 0 disables
	RateBurst        int           `koanf:"rate_burst"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

// StreamConfig controls the telemetry websocket.
type StreamConfig struct {
	// URL defaults to the backend's /ws/simulation endpoint.
	URL            string        `koanf:"url"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	BackoffInitial time.Duration `koanf:"backoff_initial"`
	BackoffMax     time.Duration `koanf:"backoff_max"`
	MaxAttempts    int           `koanf:"max_attempts"`
}

// ConsoleConfig controls the local API served to renderers.
type ConsoleConfig struct {
	Addr        string   `koanf:"addr"`
	CORSOrigins []string `koanf:"cors_origins"`
}

// NATSConfig enables the session event bus when URL is set.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// TracingConfig controls the OpenTelemetry SDK.
type TracingConfig struct {
	Stdout      bool   `koanf:"stdout"`
	ServiceName string `koanf:"service_name"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or text
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:          "http://127.0.0.1:8000",
			RequestTimeout:   30 * time.Second,
			RateLimit:        5,
			RateBurst:        5,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Stream: StreamConfig{
			ReadTimeout:    30 * time.Second,
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
		},
		Console: ConsoleConfig{
			Addr:        "127.0.0.1:8080",
			CORSOrigins: []string{"*"},
		},
		NATS: NATSConfig{
			SubjectPrefix: "autosync",
		},
		Tracing: TracingConfig{
			ServiceName: "autosync-dashboard",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Options names the sources Load reads. Empty names fall back to the
// defaults, which may be missing; named files must exist.
type Options struct {
	File    string
	EnvFile string
}

// Load builds the configuration: defaults, then the YAML file, then the
// environment. The .env file only fills variables not already set.
func Load(opts Options) (Config, error) {
	if err := loadDotEnv(opts.EnvFile); err != nil {
		return Config{}, err
	}

	k := koanf.New(".")
	path, required := opts.File, true
	if path == "" {
		path, required = DefaultFile, false
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config decode: %w", err)
	}
	cfg.Console.CORSOrigins = splitList(cfg.Console.CORSOrigins)
	if cfg.Stream.URL == "" {
		u, err := StreamURL(cfg.Backend.BaseURL)
		if err != nil {
			return Config{}, err
		}
		cfg.Stream.URL = u
	}
	return cfg, cfg.Validate()
}

func loadDotEnv(path string) error {
	required := path != ""
	if !required {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("env file %s: %w", path, err)
		}
	}
	return nil
}

// splitList accepts both YAML lists and a comma-separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// StreamURL derives the simulation websocket URL from the backend base URL.
func StreamURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("backend.base_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("backend.base_url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/simulation"
	return u.String(), nil
}

// Validate checks the settings a session cannot start without.
func (c Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url: invalid URL %q", c.Backend.BaseURL))
	}
	if u, err := url.Parse(c.Stream.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("stream.url: invalid websocket URL %q", c.Stream.URL))
	}
	if c.Backend.RequestTimeout < 0 || c.Stream.ReadTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Stream.MaxAttempts < 0 {
		errs = append(errs, errors.New("stream.max_attempts must not be negative"))
	}
	if c.Console.Addr == "" {
		errs = append(errs, errors.New("console.addr is required"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
