// Package config provides YAML-based configuration loading for pductl.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/zberg/go-pdu/pkg/pdu"
)

// Config is the root application configuration.
type Config struct {
	// Host is the PDU address
	Host string `mapstructure:"host"`
	// Port overrides the transport's well-known port when non-zero
	Port int `mapstructure:"port"`
	// Transport: tcp, ssh or telnet
	Transport string `mapstructure:"transport"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Timeout bounds each command's reply
	Timeout time.Duration `mapstructure:"timeout"`
	// ConnectTimeout bounds dialing and login
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// Profile names a built-in command profile
	Profile string `mapstructure:"profile"`
	// ProfileFile loads a profile from disk and takes precedence over Profile
	ProfileFile string `mapstructure:"profile_file"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Transport:      "telnet",
		Timeout:        3 * time.Second,
		ConnectTimeout: 5 * time.Second,
		Profile:        pdu.DefaultProfile,
		Log: LogConfig{
			Level:   "warn",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  20,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables use the prefix PDUCTL and `.`/`-`
// are replaced with `_`. Example: PDUCTL_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PDUCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("transport", cfg.Transport)
	v.SetDefault("username", cfg.Username)
	v.SetDefault("password", cfg.Password)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("profile", cfg.Profile)
	v.SetDefault("profile_file", cfg.ProfileFile)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("PDUCTL_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pductl")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "pductl"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes the configuration and rejects values the client would refuse.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	kind, err := pdu.ParseKind(c.Transport)
	if err != nil {
		return err
	}
	c.Transport = kind.String()
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %s", c.Timeout)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect_timeout: %s", c.ConnectTimeout)
	}
	return nil
}

// Kind returns the parsed transport kind.
func (c *Config) Kind() pdu.Kind {
	kind, _ := pdu.ParseKind(c.Transport)
	return kind
}

// Credentials returns the login, or nil when none is configured.
func (c *Config) Credentials() *pdu.Credentials {
	if c.Username == "" && c.Password == "" {
		return nil
	}
	return &pdu.Credentials{Username: c.Username, Password: c.Password}
}

// LoadProfile resolves ProfileFile or the named built-in profile.
func (c *Config) LoadProfile() (*pdu.Profile, error) {
	if c.ProfileFile != "" {
		return pdu.LoadProfile(c.ProfileFile)
	}
	name := c.Profile
	if name == "" {
		name = pdu.DefaultProfile
	}
	return pdu.BuiltinProfile(name)
}

// LoadDotEnv loads environment variables from path. Missing files are ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
