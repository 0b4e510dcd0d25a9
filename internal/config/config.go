// Package config loads the tunables this module's operator can set:
// where the pipe filesystem nodes live, which mechanism and security
// service to use by default, the upcall timeouts, and the NEGATIVE
// cooling-off window. It follows the same viper-based, environment-
// override-friendly loading convention as the teacher's pkg/config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PipeConfig configures the rpc_pipefs-style upcall channel.
type PipeConfig struct {
	// Dir is the directory the v0 and v1 pipe nodes are created in.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// DaemonAbsentTimeout is how long a cold-path caller waits for any
	// daemon to attach before observing EACCES.
	DaemonAbsentTimeout time.Duration `mapstructure:"daemon_absent_timeout" yaml:"daemon_absent_timeout"`

	// DaemonDownRetryTimeout is the shortened wait used once the daemon
	// is already known to be absent, per spec.md S2.
	DaemonDownRetryTimeout time.Duration `mapstructure:"daemon_down_retry_timeout" yaml:"daemon_down_retry_timeout"`
}

// GSSAuthConfig is the top-level configuration for the RPCSEC_GSS client
// authentication subsystem.
type GSSAuthConfig struct {
	// Mechanism is the default GSS mechanism name, e.g. "krb5".
	Mechanism string `mapstructure:"mechanism" yaml:"mechanism"`

	// Service is the default security service: "none", "integrity", or
	// "privacy".
	Service string `mapstructure:"service" yaml:"service"`

	// ExpiredCredRetryDelay is the NEGATIVE cooling-off window (spec.md
	// §6's expired_cred_retry_delay tunable), default 5s.
	ExpiredCredRetryDelay time.Duration `mapstructure:"expired_cred_retry_delay" yaml:"expired_cred_retry_delay"`

	// Pipe configures the upcall channel.
	Pipe PipeConfig `mapstructure:"pipe" yaml:"pipe"`

	// Logging controls log output, carried over from the teacher's
	// LoggingConfig shape.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls whether Prometheus metrics are registered and on
	// which port they're served.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// AdminSocket is the Unix domain socket gssauthd serves its adminapi
	// on and gssauthctl dials by default.
	AdminSocket string `mapstructure:"admin_socket" yaml:"admin_socket"`
}

// LoggingConfig controls the internal/logger output, mirroring the
// teacher's LoggingConfig fields exactly so operators already familiar
// with dittofs's config recognize this immediately.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// envPrefix is this module's own environment-variable namespace, e.g.
// GSSAUTH_PIPE_DIR, following the teacher's DITTOFS_* convention renamed
// to this module.
const envPrefix = "GSSAUTH"

// Load reads configuration from defaults, file, and environment, in that
// ascending precedence (environment wins), exactly as the teacher's
// config.Load does.
func Load(configPath string) (*GSSAuthConfig, error) {
	v := viper.New()
	setupViper(v, configPath)
	for _, key := range []string{"mechanism", "service", "expired_cred_retry_delay", "admin_socket",
		"pipe.dir", "pipe.daemon_absent_timeout", "pipe.daemon_down_retry_timeout",
		"logging.level", "logging.format", "logging.output", "metrics.enabled", "metrics.port"} {
		_ = v.BindEnv(key) // lets Unmarshal see GSSAUTH_* variables even with no config file
	}

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := &GSSAuthConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("gssauth config: unmarshal: %w", err)
	}
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("gssauth config: validate: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (found bool, err error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "gssauth")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "gssauth")
}

// ApplyDefaults fills any zero-valued fields with this module's defaults.
func ApplyDefaults(cfg *GSSAuthConfig) {
	if cfg.Mechanism == "" {
		cfg.Mechanism = "krb5"
	}
	if cfg.Service == "" {
		cfg.Service = "none"
	}
	if cfg.ExpiredCredRetryDelay == 0 {
		cfg.ExpiredCredRetryDelay = 5 * time.Second
	}
	if cfg.Pipe.Dir == "" {
		cfg.Pipe.Dir = "/var/lib/gssauth/pipe"
	}
	if cfg.Pipe.DaemonAbsentTimeout == 0 {
		cfg.Pipe.DaemonAbsentTimeout = 15 * time.Second
	}
	if cfg.Pipe.DaemonDownRetryTimeout == 0 {
		cfg.Pipe.DaemonDownRetryTimeout = 250 * time.Millisecond
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.AdminSocket == "" {
		// Mirrors internal/adminapi.DefaultSocketPath; config avoids
		// importing that package to keep this layer dependency-free.
		cfg.AdminSocket = "/var/run/gssauth/admin.sock"
	}
}

var validServices = map[string]bool{"none": true, "integrity": true, "privacy": true}

// Validate rejects configuration this module cannot act on.
func Validate(cfg *GSSAuthConfig) error {
	if cfg.Mechanism == "" {
		return fmt.Errorf("mechanism must not be empty")
	}
	if !validServices[cfg.Service] {
		return fmt.Errorf("service must be one of none|integrity|privacy, got %q", cfg.Service)
	}
	if cfg.ExpiredCredRetryDelay <= 0 {
		return fmt.Errorf("expired_cred_retry_delay must be positive")
	}
	if cfg.Pipe.Dir == "" {
		return fmt.Errorf("pipe.dir must not be empty")
	}
	if cfg.Pipe.DaemonAbsentTimeout <= 0 {
		return fmt.Errorf("pipe.daemon_absent_timeout must be positive")
	}
	if cfg.Pipe.DaemonDownRetryTimeout <= 0 {
		return fmt.Errorf("pipe.daemon_down_retry_timeout must be positive")
	}
	return nil
}
