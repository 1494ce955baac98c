package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alfaarizi/qubit/internal/execution"
)

const envPrefix = "QUBIT"

// Config is the server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RemoteConfig describes the compute host reached over SSH.
type RemoteConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	KeyPath         string        `mapstructure:"key_path"`
	KnownHosts      string        `mapstructure:"known_hosts"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Keepalive       time.Duration `mapstructure:"keepalive"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	ExecTimeout     time.Duration `mapstructure:"exec_timeout"`
	ScratchRoot     string        `mapstructure:"scratch_root"`
	Python          string        `mapstructure:"python"`
	SquanderPath    string        `mapstructure:"squander_path"`
}

type ExecutionConfig struct {
	Mode            string        `mapstructure:"mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxWorkers      int           `mapstructure:"max_workers"`
	DownloadRetries int           `mapstructure:"download_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	StepTimeout     time.Duration `mapstructure:"step_timeout"`
	LocalPython     string        `mapstructure:"local_python"`
	SquanderPath    string        `mapstructure:"squander_path"`
}

type PoolConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type JobsConfig struct {
	SubscriberWait time.Duration `mapstructure:"subscriber_wait"`
}

type AuditConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	DBPath    string        `mapstructure:"db_path"`
	Retention time.Duration `mapstructure:"retention"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("remote.host", "")
	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.user", "")
	v.SetDefault("remote.key_path", "~/.ssh/id_rsa")
	v.SetDefault("remote.known_hosts", "")
	v.SetDefault("remote.connect_timeout", 30*time.Second)
	v.SetDefault("remote.keepalive", 30*time.Second)
	v.SetDefault("remote.transfer_timeout", 60*time.Second)
	v.SetDefault("remote.exec_timeout", time.Duration(0))
	v.SetDefault("remote.scratch_root", "/tmp/squander_jobs")
	v.SetDefault("remote.python", "python3")
	v.SetDefault("remote.squander_path", "")

	v.SetDefault("execution.mode", string(execution.ModeAuto))
	v.SetDefault("execution.max_connections", execution.DefaultMaxConnections)
	v.SetDefault("execution.max_workers", execution.DefaultMaxWorkers)
	v.SetDefault("execution.download_retries", 3)
	v.SetDefault("execution.retry_backoff", time.Second)
	v.SetDefault("execution.step_timeout", execution.DefaultStepTimeout)
	v.SetDefault("execution.local_python", "python3")
	v.SetDefault("execution.squander_path", "")

	v.SetDefault("pool.idle_timeout", 300*time.Second)
	v.SetDefault("pool.sweep_interval", 60*time.Second)

	v.SetDefault("jobs.subscriber_wait", 10*time.Second)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.db_path", "data/qubit.db")
	v.SetDefault("audit.retention", 30*24*time.Hour)
}

// Load reads the configuration from defaults, the config file set on v (if
// any), QUBIT_* environment variables and any flags already bound to v.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive, got %d", c.Server.Port)
	}
	if c.Remote.Port <= 0 {
		return fmt.Errorf("remote.port must be positive, got %d", c.Remote.Port)
	}
	if c.Execution.MaxConnections < 1 {
		return fmt.Errorf("execution.max_connections must be at least 1, got %d", c.Execution.MaxConnections)
	}
	if c.Execution.MaxWorkers < 1 {
		return fmt.Errorf("execution.max_workers must be at least 1, got %d", c.Execution.MaxWorkers)
	}

	mode := execution.Mode(c.Execution.Mode)
	if !mode.Valid() {
		return fmt.Errorf("execution.mode must be one of auto, local, remote, got %q", c.Execution.Mode)
	}
	if mode == execution.ModeRemote {
		if c.Remote.Host == "" {
			return errors.New("remote.host is required in remote mode")
		}
		if c.Remote.User == "" {
			return errors.New("remote.user is required in remote mode")
		}
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// RemoteConfigured reports whether enough is set to dial the compute host.
func (c *Config) RemoteConfigured() bool {
	return c.Remote.Host != "" && c.Remote.User != ""
}

// SSH returns the SSH dialer settings.
func (c *Config) SSH() execution.SSHConfig {
	return execution.SSHConfig{
		Host:           c.Remote.Host,
		Port:           c.Remote.Port,
		User:           c.Remote.User,
		KeyPath:        c.Remote.KeyPath,
		KnownHosts:     c.Remote.KnownHosts,
		ConnectTimeout: c.Remote.ConnectTimeout,
		Keepalive:      c.Remote.Keepalive,
	}
}

// ExecutionFactory returns the execution factory settings.
func (c *Config) ExecutionFactory() execution.Config {
	return execution.Config{
		Mode:            execution.Mode(c.Execution.Mode),
		ScratchRoot:     c.Remote.ScratchRoot,
		Python:          c.Remote.Python,
		SquanderPath:    c.Remote.SquanderPath,
		TransferTimeout: c.Remote.TransferTimeout,
		ExecTimeout:     c.Remote.ExecTimeout,
		DownloadRetries: c.Execution.DownloadRetries,
		RetryBackoff:    c.Execution.RetryBackoff,
		MaxConnections:  c.Execution.MaxConnections,
		MaxWorkers:      c.Execution.MaxWorkers,
	}
}
