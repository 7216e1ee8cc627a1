package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
}

// SessionConfig represents a per-session session.toml.
type SessionConfig struct {
	Server   Server   `toml:"server"`
	Identity Identity `toml:"identity"`
	Delivery Delivery `toml:"delivery"`
}

// Server holds the chat server endpoints.
type Server struct {
	WSURL   string `toml:"ws_url"`
	RestURL string `toml:"rest_url"`
}

// Identity is the authenticated user populating the sender field.
type Identity struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
	Token       string `toml:"token"`
}

// Delivery tunes the retry scheduler and reconciler.
type Delivery struct {
	ScanInterval Duration   `toml:"scan_interval"`
	SendTimeout  Duration   `toml:"send_timeout"`
	MaxAge       Duration   `toml:"max_age"`
	Backoff      []Duration `toml:"backoff"`
	FuzzyWindow  Duration   `toml:"fuzzy_window"`
}

// Duration is a time.Duration that decodes from a TOML string ("30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for toml decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler for toml encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults for the [delivery] section. The backoff table caps at 5s;
// retry_count beyond its length demotes the entry to failed_permanently.
var defaultDelivery = Delivery{
	ScanInterval: Duration(30 * time.Second),
	SendTimeout:  Duration(10 * time.Second),
	MaxAge:       Duration(24 * time.Hour),
	Backoff:      []Duration{Duration(time.Second), Duration(3 * time.Second), Duration(5 * time.Second)},
	FuzzyWindow:  Duration(30 * time.Second),
}

// Load reads the global config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the global config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadSession reads a session config and applies delivery defaults for
// any field left unset.
func LoadSession(path string) (*SessionConfig, error) {
	var cfg SessionConfig
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	applyDeliveryDefaults(&cfg.Delivery)
	return &cfg, nil
}

// SaveSession writes a session config, creating parent dirs as needed.
func SaveSession(path string, cfg *SessionConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// DefaultSessionConfig returns a session config with delivery defaults.
func DefaultSessionConfig() *SessionConfig {
	cfg := &SessionConfig{}
	applyDeliveryDefaults(&cfg.Delivery)
	return cfg
}

func applyDeliveryDefaults(d *Delivery) {
	if d.ScanInterval == 0 {
		d.ScanInterval = defaultDelivery.ScanInterval
	}
	if d.SendTimeout == 0 {
		d.SendTimeout = defaultDelivery.SendTimeout
	}
	if d.MaxAge == 0 {
		d.MaxAge = defaultDelivery.MaxAge
	}
	if len(d.Backoff) == 0 {
		d.Backoff = append([]Duration(nil), defaultDelivery.Backoff...)
	}
	if d.FuzzyWindow == 0 {
		d.FuzzyWindow = defaultDelivery.FuzzyWindow
	}
}

// BackoffDurations returns the backoff table as time.Durations.
func (d *Delivery) BackoffDurations() []time.Duration {
	out := make([]time.Duration, len(d.Backoff))
	for i, b := range d.Backoff {
		out[i] = b.Std()
	}
	return out
}
