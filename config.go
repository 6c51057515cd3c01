package queuectl

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cast"
)

// DefaultConfigPath is the flat JSON settings file, kept next to the DB.
const DefaultConfigPath = "queuectl.config.json"

// Settings is the typed view of the configuration bag.
type Settings struct {
	MaxRetries              int     `koanf:"max_retries" validate:"min=1"`
	BackoffBase             float64 `koanf:"backoff_base" validate:"min=1"`
	BackoffMaxDelay         int     `koanf:"backoff_max_delay" validate:"min=1"`
	WorkerPollInterval      int     `koanf:"worker_poll_interval" validate:"min=1"`
	WorkerHeartbeatInterval int     `koanf:"worker_heartbeat_interval" validate:"min=1"`
	JobTimeout              int     `koanf:"job_timeout" validate:"min=1"`
	DBPath                  string  `koanf:"db_path" validate:"required"`
	DBDriver                string  `koanf:"db_driver" validate:"oneof=sqlite badger"`
	LogLevel                string  `koanf:"log_level" validate:"oneof=DEBUG INFO WARNING ERROR"`
}

// PollInterval returns the worker poll interval as a duration.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.WorkerPollInterval) * time.Second
}

// HeartbeatInterval returns the worker heartbeat interval as a duration.
func (s Settings) HeartbeatInterval() time.Duration {
	return time.Duration(s.WorkerHeartbeatInterval) * time.Second
}

// Timeout returns the per-job execution timeout as a duration.
func (s Settings) Timeout() time.Duration {
	return time.Duration(s.JobTimeout) * time.Second
}

// BackoffDelay computes the retry delay after the given completed attempt:
// min(backoff_base^attempts, backoff_max_delay) seconds.
func (s Settings) BackoffDelay(attempts int) time.Duration {
	delay := math.Pow(s.BackoffBase, float64(attempts))
	if max := float64(s.BackoffMaxDelay); delay > max {
		delay = max
	}
	return time.Duration(delay * float64(time.Second))
}

func defaultSettings() map[string]interface{} {
	return map[string]interface{}{
		"max_retries":               3,
		"backoff_base":              2.0,
		"backoff_max_delay":         3600,
		"worker_poll_interval":      1,
		"worker_heartbeat_interval": 5,
		"job_timeout":               300,
		"db_path":                   "queuectl.db",
		"db_driver":                 "sqlite",
		"log_level":                 "INFO",
	}
}

// Config is the file-backed configuration bag. Defaults are merged under the
// settings file; Set and Reset persist the merged map back to disk. Running
// workers read the file at startup only; it is not hot-reloaded.
type Config struct {
	k        *koanf.Koanf
	path     string
	validate *validator.Validate
}

// LoadConfig loads configuration from path, merging file values over
// defaults. A missing file is not an error; the defaults apply.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultSettings(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load default settings: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), koanfjson.Parser()); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config file %s: %v", ErrValidation, path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := &Config{k: k, path: path, validate: validator.New()}
	if _, err := cfg.Settings(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the settings file location.
func (c *Config) Path() string {
	return c.path
}

// Settings unmarshals and validates the current bag.
func (c *Config) Settings() (Settings, error) {
	var s Settings
	if err := c.k.Unmarshal("", &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := c.validate.Struct(s); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s, nil
}

// Keys returns all known setting keys, sorted.
func (c *Config) Keys() []string {
	keys := make([]string, 0)
	for key := range defaultSettings() {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of a single key rendered as a string.
func (c *Config) Get(key string) (string, error) {
	if _, known := defaultSettings()[key]; !known {
		return "", fmt.Errorf("%w: unknown config key %s", ErrNotFound, key)
	}
	return cast.ToString(c.k.Get(key)), nil
}

// All returns the full bag as key -> rendered string.
func (c *Config) All() map[string]string {
	out := make(map[string]string, len(defaultSettings()))
	for key := range defaultSettings() {
		out[key] = cast.ToString(c.k.Get(key))
	}
	return out
}

// coerce converts a raw string into the typed value for key.
func coerce(key, value string) (interface{}, error) {
	switch key {
	case "max_retries", "backoff_max_delay", "worker_poll_interval",
		"worker_heartbeat_interval", "job_timeout":
		n, err := cast.ToIntE(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer", ErrValidation, key)
		}
		return n, nil
	case "backoff_base":
		f, err := cast.ToFloat64E(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a number", ErrValidation, key)
		}
		return f, nil
	case "db_path", "db_driver":
		return value, nil
	case "log_level":
		return strings.ToUpper(value), nil
	}
	return nil, fmt.Errorf("%w: unknown config key %s", ErrNotFound, key)
}

// Set updates a key, validates the resulting bag, and persists it.
func (c *Config) Set(key, value string) error {
	typed, err := coerce(key, value)
	if err != nil {
		return err
	}

	if err := c.k.Load(confmap.Provider(map[string]interface{}{key: typed}, "."), nil); err != nil {
		return fmt.Errorf("failed to update setting: %w", err)
	}
	if _, err := c.Settings(); err != nil {
		return err
	}
	return c.save()
}

// Reset restores one key (or every key when key is empty) to its default
// and persists the bag.
func (c *Config) Reset(key string) error {
	defaults := defaultSettings()

	if key == "" {
		k := koanf.New(".")
		if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
			return fmt.Errorf("failed to reset settings: %w", err)
		}
		c.k = k
		return c.save()
	}

	value, known := defaults[key]
	if !known {
		return fmt.Errorf("%w: unknown config key %s", ErrNotFound, key)
	}
	if err := c.k.Load(confmap.Provider(map[string]interface{}{key: value}, "."), nil); err != nil {
		return fmt.Errorf("failed to reset setting: %w", err)
	}
	return c.save()
}

// save writes the merged bag to the settings file.
func (c *Config) save() error {
	raw, err := json.MarshalIndent(c.k.Raw(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(c.path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}
