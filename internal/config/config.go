// Package config provides configuration loading and validation for the CLI.
//
// Precedence, lowest first: built-in defaults, config file, MOSAIC_*
// environment variables, command-line flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// APIKeyPrefix is the prefix every Mosaic API key carries.
const APIKeyPrefix = "mk_"

// Duration is a time.Duration read from strings such as "5s" or "2m".
// A bare integer is taken as seconds.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for JSON, YAML and TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Listener configures the webhook receiver.
type Listener struct {
	Host             string `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty"`
	Port             int    `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty" validate:"gte=0,lte=65535"`
	Secret           string `json:"secret,omitempty" yaml:"secret,omitempty" toml:"secret,omitempty"`
	SignatureMode    string `json:"signature_mode,omitempty" yaml:"signature_mode,omitempty" toml:"signature_mode,omitempty" validate:"omitempty,oneof=hmac token"`
	RequireSignature bool   `json:"require_signature,omitempty" yaml:"require_signature,omitempty" toml:"require_signature,omitempty"`
	PublicURL        string `json:"public_url,omitempty" yaml:"public_url,omitempty" toml:"public_url,omitempty" validate:"omitempty,url"`
	NgrokAPIURL      string `json:"ngrok_api_url,omitempty" yaml:"ngrok_api_url,omitempty" toml:"ngrok_api_url,omitempty" validate:"omitempty,url"`
	HistorySize      int    `json:"history_size,omitempty" yaml:"history_size,omitempty" toml:"history_size,omitempty" validate:"gte=0"`
	PerRunSize       int    `json:"per_run_size,omitempty" yaml:"per_run_size,omitempty" toml:"per_run_size,omitempty" validate:"gte=0"`
	MaxRuns          int    `json:"max_runs,omitempty" yaml:"max_runs,omitempty" toml:"max_runs,omitempty" validate:"gte=0"`
	MaxBodyBytes     int64  `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty" toml:"max_body_bytes,omitempty" validate:"gte=0"`
}

// Poll configures the status poller.
type Poll struct {
	Interval    Duration `json:"interval,omitzero" yaml:"interval,omitempty" toml:"interval,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty" validate:"gte=0"`
	Deadline    Duration `json:"deadline,omitzero" yaml:"deadline,omitempty" toml:"deadline,omitempty"`
}

// Config represents the CLI configuration that can be loaded from a JSON,
// YAML or TOML file. All fields are optional; missing values use defaults or
// must be provided via flags.
type Config struct {
	APIKey            string   `json:"api_key,omitempty" yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	BaseURL           string   `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty" validate:"omitempty,url"`
	AgentID           string   `json:"agent_id,omitempty" yaml:"agent_id,omitempty" toml:"agent_id,omitempty"`
	Timeout           Duration `json:"timeout,omitzero" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	RequestsPerSecond float64  `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty" toml:"requests_per_second,omitempty" validate:"gte=0"`
	Verbose           bool     `json:"verbose,omitempty" yaml:"verbose,omitempty" toml:"verbose,omitempty"`

	Listener Listener `json:"listener" yaml:"listener" toml:"listener"`
	Poll     Poll     `json:"poll" yaml:"poll" toml:"poll"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: Duration{30 * time.Second},
		Listener: Listener{
			Host:          "0.0.0.0",
			Port:          3000,
			SignatureMode: "hmac",
			NgrokAPIURL:   "http://127.0.0.1:4040/api/tunnels",
			HistorySize:   10,
			PerRunSize:    50,
			MaxRuns:       1000,
			MaxBodyBytes:  1 << 20,
		},
		Poll: Poll{
			Interval:    Duration{5 * time.Second},
			MaxAttempts: 5,
		},
	}
}

// LoadConfig loads configuration from a file. The format follows the
// extension: .json, .yaml/.yml or .toml.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .json, .yaml, .yml or .toml)", ext)
	}

	return &cfg, nil
}

// ApplyEnv overlays MOSAIC_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("MOSAIC_API_KEY", &c.APIKey)
	str("MOSAIC_BASE_URL", &c.BaseURL)
	str("MOSAIC_AGENT_ID", &c.AgentID)
	str("MOSAIC_WEBHOOK_SECRET", &c.Listener.Secret)
	str("MOSAIC_SIGNATURE_MODE", &c.Listener.SignatureMode)
	str("MOSAIC_LISTEN_HOST", &c.Listener.Host)
	str("MOSAIC_PUBLIC_URL", &c.Listener.PublicURL)
	str("MOSAIC_NGROK_API_URL", &c.Listener.NgrokAPIURL)

	ints := []struct {
		key string
		dst *int
	}{
		{"MOSAIC_LISTEN_PORT", &c.Listener.Port},
		{"MOSAIC_HISTORY_SIZE", &c.Listener.HistorySize},
		{"MOSAIC_PER_RUN_SIZE", &c.Listener.PerRunSize},
		{"MOSAIC_MAX_RUNS", &c.Listener.MaxRuns},
		{"MOSAIC_POLL_MAX_ATTEMPTS", &c.Poll.MaxAttempts},
	}
	for _, e := range ints {
		v, ok := os.LookupEnv(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config error: %s must be an integer, got %q", e.key, v)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"MOSAIC_TIMEOUT", &c.Timeout},
		{"MOSAIC_POLL_INTERVAL", &c.Poll.Interval},
		{"MOSAIC_POLL_DEADLINE", &c.Poll.Deadline},
	}
	for _, e := range durations {
		v, ok := os.LookupEnv(e.key)
		if !ok || v == "" {
			continue
		}
		if err := e.dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("config error: %s: %w", e.key, err)
		}
	}

	if v, ok := os.LookupEnv("MOSAIC_REQUIRE_SIGNATURE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config error: MOSAIC_REQUIRE_SIGNATURE must be a boolean, got %q", v)
		}
		c.Listener.RequireSignature = b
	}
	if v, ok := os.LookupEnv("MOSAIC_REQUESTS_PER_SECOND"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config error: MOSAIC_REQUESTS_PER_SECOND must be a number, got %q", v)
		}
		c.RequestsPerSecond = f
	}

	return nil
}

var validate = validator.New()

// Validate checks that the configuration has valid values.
// Note: This doesn't check for required fields since those are handled
// by CLI flag validation after merging.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if ves, ok := err.(validator.ValidationErrors); ok && len(ves) > 0 {
			ve := ves[0]
			return fmt.Errorf("config error: '%s' failed '%s' check (value %v)", ve.Namespace(), ve.Tag(), ve.Value())
		}
		return fmt.Errorf("config error: %w", err)
	}

	if c.Timeout.Duration < 0 {
		return fmt.Errorf("config error: 'timeout' must be non-negative")
	}
	if c.Poll.Interval.Duration < 0 {
		return fmt.Errorf("config error: 'poll.interval' must be non-negative")
	}
	if c.Poll.Deadline.Duration < 0 {
		return fmt.Errorf("config error: 'poll.deadline' must be non-negative")
	}
	if c.APIKey != "" && !strings.HasPrefix(c.APIKey, APIKeyPrefix) {
		return fmt.Errorf("config error: 'api_key' must start with %q", APIKeyPrefix)
	}

	return nil
}

// MergeWithDefaults returns a new Config with zero fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	fillString(&result.APIKey, defaults.APIKey)
	fillString(&result.BaseURL, defaults.BaseURL)
	fillString(&result.AgentID, defaults.AgentID)
	fillString(&result.Listener.Host, defaults.Listener.Host)
	fillString(&result.Listener.Secret, defaults.Listener.Secret)
	fillString(&result.Listener.SignatureMode, defaults.Listener.SignatureMode)
	fillString(&result.Listener.PublicURL, defaults.Listener.PublicURL)
	fillString(&result.Listener.NgrokAPIURL, defaults.Listener.NgrokAPIURL)

	// Numeric fields: use default if zero
	fillInt(&result.Listener.Port, defaults.Listener.Port)
	fillInt(&result.Listener.HistorySize, defaults.Listener.HistorySize)
	fillInt(&result.Listener.PerRunSize, defaults.Listener.PerRunSize)
	fillInt(&result.Listener.MaxRuns, defaults.Listener.MaxRuns)
	fillInt(&result.Poll.MaxAttempts, defaults.Poll.MaxAttempts)
	if result.Listener.MaxBodyBytes == 0 {
		result.Listener.MaxBodyBytes = defaults.Listener.MaxBodyBytes
	}
	if result.RequestsPerSecond == 0 {
		result.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if result.Timeout.Duration == 0 {
		result.Timeout = defaults.Timeout
	}
	if result.Poll.Interval.Duration == 0 {
		result.Poll.Interval = defaults.Poll.Interval
	}
	if result.Poll.Deadline.Duration == 0 {
		result.Poll.Deadline = defaults.Poll.Deadline
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

func fillString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func fillInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

// ResolveAPIKey returns the API key or explains how to provide one.
func (c *Config) ResolveAPIKey() (string, error) {
	key := strings.TrimSpace(c.APIKey)
	if key == "" {
		return "", fmt.Errorf("no API key: pass --api-key, set MOSAIC_API_KEY, or add api_key to the config file")
	}
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return "", fmt.Errorf("invalid API key: must start with %q", APIKeyPrefix)
	}
	return key, nil
}
