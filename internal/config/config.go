package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.safegram/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Profile represents a per-profile profile.toml. Zero values are filled
// in by ApplyDefaults before use.
type Profile struct {
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token"`
	// UserID is the local account's id, used to tell our own call offers
	// apart from incoming ones.
	UserID string `toml:"user_id"`

	Resync  ResyncConfig  `toml:"resync"`
	Outbox  OutboxConfig  `toml:"outbox"`
	Connect ConnectConfig `toml:"connect"`
}

// ResyncConfig tunes the snapshot resync controller.
type ResyncConfig struct {
	Interval         duration `toml:"interval"`
	DegradedInterval duration `toml:"degraded_interval"`
	FailureThreshold int      `toml:"failure_threshold"`
}

// OutboxConfig tunes offline send retries.
type OutboxConfig struct {
	BackoffBase duration `toml:"backoff_base"`
	BackoffCap  duration `toml:"backoff_cap"`
	MaxAttempts int      `toml:"max_attempts"`
}

// ConnectConfig tunes the push-channel reconnect loop.
type ConnectConfig struct {
	BackoffBase duration `toml:"backoff_base"`
	BackoffCap  duration `toml:"backoff_cap"`
}

// duration wraps time.Duration for TOML string decoding ("30s", "1m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads the global config from the given path.
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

// LoadProfile reads a profile from the given path, applies SAFEGRAM_*
// environment overrides and defaults, and validates the result.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	p.applyEnv()
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) applyEnv() {
	if v := os.Getenv("SAFEGRAM_SERVER_URL"); v != "" {
		p.ServerURL = v
	}
	if v := os.Getenv("SAFEGRAM_TOKEN"); v != "" {
		p.Token = v
	}
	if v := os.Getenv("SAFEGRAM_USER_ID"); v != "" {
		p.UserID = v
	}
}

// ApplyDefaults fills zero-valued tuning knobs.
func (p *Profile) ApplyDefaults() {
	if p.Resync.Interval.Duration == 0 {
		p.Resync.Interval.Duration = 30 * time.Second
	}
	if p.Resync.DegradedInterval.Duration == 0 {
		p.Resync.DegradedInterval.Duration = 5 * time.Second
	}
	if p.Resync.FailureThreshold == 0 {
		p.Resync.FailureThreshold = 5
	}
	if p.Outbox.BackoffBase.Duration == 0 {
		p.Outbox.BackoffBase.Duration = time.Second
	}
	if p.Outbox.BackoffCap.Duration == 0 {
		p.Outbox.BackoffCap.Duration = 30 * time.Second
	}
	if p.Outbox.MaxAttempts == 0 {
		p.Outbox.MaxAttempts = 5
	}
	if p.Connect.BackoffBase.Duration == 0 {
		p.Connect.BackoffBase.Duration = time.Second
	}
	if p.Connect.BackoffCap.Duration == 0 {
		p.Connect.BackoffCap.Duration = 30 * time.Second
	}
}

// Validate checks that the profile is usable.
func (p *Profile) Validate() error {
	if p.ServerURL == "" {
		return fmt.Errorf("server_url is required (profile.toml or SAFEGRAM_SERVER_URL)")
	}
	u, err := url.Parse(p.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server_url must be http or https, got %q", u.Scheme)
	}
	return nil
}

// SaveProfile writes a profile to the given path.
func SaveProfile(path string, p *Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(p)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
