package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportLoopback = "loopback"

	DefaultPath = "configs/idwallet.yaml"
)

type Config struct {
	Session   SessionConfig
	Profile   ProfileConfig
	Keys      KeysConfig
	Payments  PaymentsConfig
	Petitions PetitionsConfig
	Metrics   MetricsConfig
	Transport TransportConfig
	Log       LogConfig
}

type SessionConfig struct {
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	LookupTimeout     time.Duration
	DiscoveryTimeout  time.Duration
	ReconnectRPS      float64
	ReconnectBurst    int
}

type ProfileConfig struct {
	Path string
}

type KeysConfig struct {
	Path string
	// PassphraseEnv names the environment variable holding the keystore passphrase.
	PassphraseEnv string
}

type PaymentsConfig struct {
	CallbackBase string
	CallbackTTL  time.Duration
}

type PetitionsConfig struct {
	InboundRPS   float64
	InboundBurst int
	IdleTTL      time.Duration
}

type MetricsConfig struct {
	Listen string
}

type TransportConfig struct {
	Kind string
}

type LogConfig struct {
	Level string
}

func Default() Config {
	return Config{
		Session: SessionConfig{
			ReconnectInterval: 10 * time.Second,
			ConnectTimeout:    30 * time.Second,
			LookupTimeout:     10 * time.Second,
			DiscoveryTimeout:  15 * time.Second,
			ReconnectRPS:      0.2,
			ReconnectBurst:    3,
		},
		Profile: ProfileConfig{Path: "data/profile.yaml"},
		Keys:    KeysConfig{Path: "data/legal-keys.json", PassphraseEnv: "IDW_KEYS_PASSPHRASE"},
		Payments: PaymentsConfig{
			CallbackBase: "idwallet://payment",
			CallbackTTL:  time.Hour,
		},
		Petitions: PetitionsConfig{InboundRPS: 0.5, InboundBurst: 5, IdleTTL: 10 * time.Minute},
		Metrics:   MetricsConfig{Listen: "127.0.0.1:9464"},
		Transport: TransportConfig{Kind: TransportLoopback},
		Log:       LogConfig{Level: "info"},
	}
}

type FileConfig struct {
	Session   fileSession   `yaml:"session"`
	Profile   fileProfile   `yaml:"profile"`
	Keys      fileKeys      `yaml:"keys"`
	Payments  filePayments  `yaml:"payments"`
	Petitions filePetitions `yaml:"petitions"`
	Metrics   fileMetrics   `yaml:"metrics"`
	Transport fileTransport `yaml:"transport"`
	Log       fileLog       `yaml:"log"`
}

type fileSession struct {
	ReconnectInterval time.Duration `yaml:"reconnectInterval"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	LookupTimeout     time.Duration `yaml:"lookupTimeout"`
	DiscoveryTimeout  time.Duration `yaml:"discoveryTimeout"`
	ReconnectRPS      float64       `yaml:"reconnectRPS"`
	ReconnectBurst    int           `yaml:"reconnectBurst"`
}

type fileProfile struct {
	Path string `yaml:"path"`
}

type fileKeys struct {
	Path          string `yaml:"path"`
	PassphraseEnv string `yaml:"passphraseEnv"`
}

type filePayments struct {
	CallbackBase string        `yaml:"callbackBase"`
	CallbackTTL  time.Duration `yaml:"callbackTTL"`
}

type filePetitions struct {
	InboundRPS   float64       `yaml:"inboundRPS"`
	InboundBurst int           `yaml:"inboundBurst"`
	IdleTTL      time.Duration `yaml:"idleTTL"`
}

type fileMetrics struct {
	Listen *string `yaml:"listen"`
}

type fileTransport struct {
	Kind string `yaml:"kind"`
}

type fileLog struct {
	Level string `yaml:"level"`
}

// Load reads the YAML file at path over the defaults, then applies IDW_*
// environment overrides. With an empty path the default location is tried;
// a missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Merge copies every field that is set in src onto dst.
func Merge(dst *Config, src FileConfig) {
	s := src.Session
	if s.ReconnectInterval != 0 {
		dst.Session.ReconnectInterval = s.ReconnectInterval
	}
	if s.ConnectTimeout != 0 {
		dst.Session.ConnectTimeout = s.ConnectTimeout
	}
	if s.LookupTimeout != 0 {
		dst.Session.LookupTimeout = s.LookupTimeout
	}
	if s.DiscoveryTimeout != 0 {
		dst.Session.DiscoveryTimeout = s.DiscoveryTimeout
	}
	if s.ReconnectRPS != 0 {
		dst.Session.ReconnectRPS = s.ReconnectRPS
	}
	if s.ReconnectBurst != 0 {
		dst.Session.ReconnectBurst = s.ReconnectBurst
	}
	if src.Profile.Path != "" {
		dst.Profile.Path = src.Profile.Path
	}
	if src.Keys.Path != "" {
		dst.Keys.Path = src.Keys.Path
	}
	if src.Keys.PassphraseEnv != "" {
		dst.Keys.PassphraseEnv = src.Keys.PassphraseEnv
	}
	if src.Payments.CallbackBase != "" {
		dst.Payments.CallbackBase = src.Payments.CallbackBase
	}
	if src.Payments.CallbackTTL != 0 {
		dst.Payments.CallbackTTL = src.Payments.CallbackTTL
	}
	if src.Petitions.InboundRPS != 0 {
		dst.Petitions.InboundRPS = src.Petitions.InboundRPS
	}
	if src.Petitions.InboundBurst != 0 {
		dst.Petitions.InboundBurst = src.Petitions.InboundBurst
	}
	if src.Petitions.IdleTTL != 0 {
		dst.Petitions.IdleTTL = src.Petitions.IdleTTL
	}
	if src.Metrics.Listen != nil {
		dst.Metrics.Listen = strings.TrimSpace(*src.Metrics.Listen)
	}
	if src.Transport.Kind != "" {
		dst.Transport.Kind = src.Transport.Kind
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := envString("IDW_PROFILE_PATH"); v != "" {
		cfg.Profile.Path = v
	}
	if v := envString("IDW_KEYS_PATH"); v != "" {
		cfg.Keys.Path = v
	}
	if v, ok := os.LookupEnv("IDW_METRICS_LISTEN"); ok {
		cfg.Metrics.Listen = strings.TrimSpace(v)
	}
	if v := envString("IDW_TRANSPORT"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := envString("IDW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := envString("IDW_PAYMENT_CALLBACK_BASE"); v != "" {
		cfg.Payments.CallbackBase = v
	}
	if d, ok := envDuration("IDW_RECONNECT_INTERVAL"); ok {
		cfg.Session.ReconnectInterval = d
	}
	if d, ok := envDuration("IDW_CONNECT_TIMEOUT"); ok {
		cfg.Session.ConnectTimeout = d
	}
	if raw := envString("IDW_PETITION_INBOUND_RPS"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Petitions.InboundRPS = v
		}
	}
}

func (c Config) Validate() error {
	if c.Session.ReconnectInterval <= 0 {
		return errors.New("config: session.reconnectInterval must be positive")
	}
	if c.Session.ConnectTimeout <= 0 {
		return errors.New("config: session.connectTimeout must be positive")
	}
	if c.Payments.CallbackTTL <= 0 {
		return errors.New("config: payments.callbackTTL must be positive")
	}
	if c.Transport.Kind != TransportLoopback {
		return fmt.Errorf("config: unsupported transport kind %q", c.Transport.Kind)
	}
	return nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envDuration(key string) (time.Duration, bool) {
	raw := envString(key)
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
