package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/logkeeper/internal/auth"
	"github.com/loykin/logkeeper/internal/capture"
	"github.com/loykin/logkeeper/internal/detector"
	"github.com/loykin/logkeeper/internal/env"
	"github.com/loykin/logkeeper/internal/logger"
	"github.com/loykin/logkeeper/internal/rotation"
	"github.com/loykin/logkeeper/internal/tls"
)

const EnvPrefix = "LOGKEEPER"

// Defaults shipped with the monitor.
const (
	DefaultTarget       = "com.xxx.xxx"
	DefaultDir          = "/sdcard/logcat_logs"
	DefaultInterval     = 5 * time.Second
	DefaultWaitPoll     = 2 * time.Second
	DefaultWaitTimeout  = 30 * time.Second
	DefaultStopDebounce = 1
	DefaultHistoryWait  = 2 * time.Second
)

// Config represents the top-level TOML structure.
//
//	[monitor]   target, dir, interval, wait_poll, wait_timeout, stop_debounce
//	[rotation]  max_file_bytes, max_file_count
//	[lookup]    methods, pidof, ps, timeout
//	[capture]   scoped_args, global_args, grace, start_window, env
//	[log]       level, path, max_size_mb, max_backups, max_age_days, compress
//	[history]   enabled, dsn, timeout
//	[metrics]   enabled
//	[server]    listen, [server.tls], [server.auth]
//
// Paths and the history DSN may reference ${VAR} from the environment.
type Config struct {
	Monitor  MonitorConfig   `mapstructure:"monitor"`
	Rotation rotation.Policy `mapstructure:"rotation"`
	Lookup   LookupConfig    `mapstructure:"lookup"`
	Capture  CaptureConfig   `mapstructure:"capture"`
	Log      logger.Config   `mapstructure:"log"`
	History  HistoryConfig   `mapstructure:"history"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Server   ServerConfig    `mapstructure:"server"`
}

type MonitorConfig struct {
	Target       string        `mapstructure:"target"`
	Dir          string        `mapstructure:"dir"`
	Interval     time.Duration `mapstructure:"interval"`
	WaitPoll     time.Duration `mapstructure:"wait_poll"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	StopDebounce int           `mapstructure:"stop_debounce"`
}

type LookupConfig struct {
	// Methods lists lookup strategies in order: pidof, ps, proctable.
	Methods []string      `mapstructure:"methods"`
	Pidof   string        `mapstructure:"pidof"`
	PS      string        `mapstructure:"ps"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CaptureConfig struct {
	ScopedArgs  []string      `mapstructure:"scoped_args"`
	GlobalArgs  []string      `mapstructure:"global_args"`
	Grace       time.Duration `mapstructure:"grace"`
	StartWindow time.Duration `mapstructure:"start_window"`
	// Env holds extra "K=V" variables for the capture commands.
	Env []string `mapstructure:"env"`
}

type HistoryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	Listen string      `mapstructure:"listen"`
	TLS    tls.Config  `mapstructure:"tls"`
	Auth   auth.Config `mapstructure:"auth"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("monitor.target", DefaultTarget)
	v.SetDefault("monitor.dir", DefaultDir)
	v.SetDefault("monitor.interval", DefaultInterval)
	v.SetDefault("monitor.wait_poll", DefaultWaitPoll)
	v.SetDefault("monitor.wait_timeout", DefaultWaitTimeout)
	v.SetDefault("monitor.stop_debounce", DefaultStopDebounce)
	v.SetDefault("rotation.max_file_bytes", rotation.DefaultMaxFileBytes)
	v.SetDefault("rotation.max_file_count", rotation.DefaultMaxFileCount)
	v.SetDefault("lookup.methods", []string{"pidof", "ps"})
	v.SetDefault("lookup.pidof", detector.DefaultPidofCommand)
	v.SetDefault("lookup.ps", detector.DefaultPSCommand)
	v.SetDefault("lookup.timeout", 5*time.Second)
	v.SetDefault("capture.scoped_args", capture.DefaultScopedArgs)
	v.SetDefault("capture.global_args", capture.DefaultGlobalArgs)
	v.SetDefault("capture.grace", capture.DefaultGrace)
	v.SetDefault("capture.start_window", capture.DefaultStartWindow)
	v.SetDefault("capture.env", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.path", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.timeout", DefaultHistoryWait)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("server.listen", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.username", "")
	v.SetDefault("server.auth.password_hash", "")
	v.SetDefault("server.auth.token", "")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// defaults are static and always valid
		panic(err)
	}
	return cfg
}

// Load reads the TOML file at path (optional) and applies LOGKEEPER_*
// environment overrides, e.g. LOGKEEPER_MONITOR_TARGET.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Monitor.Target = strings.TrimSpace(c.Monitor.Target)
	e := env.New()
	for _, p := range []*string{
		&c.Monitor.Dir, &c.Log.Dir, &c.Log.Path, &c.History.DSN,
		&c.Server.TLS.Dir, &c.Server.TLS.CertFile, &c.Server.TLS.KeyFile,
	} {
		*p = e.Expand(*p)
	}
	if c.Log.Dir == "" {
		c.Log.Dir = c.Monitor.Dir
	}
	if c.Server.TLS.Enabled && c.Server.TLS.Dir == "" && c.Server.TLS.CertFile == "" {
		c.Server.TLS.Dir = filepath.Join(c.Monitor.Dir, "tls")
	}
	for i, m := range c.Lookup.Methods {
		c.Lookup.Methods[i] = strings.ToLower(strings.TrimSpace(m))
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Monitor.Target == "" {
		errs = append(errs, errors.New("monitor.target is required"))
	}
	if c.Monitor.Dir == "" {
		errs = append(errs, errors.New("monitor.dir is required"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval))
	}
	if c.Monitor.WaitPoll <= 0 || c.Monitor.WaitTimeout < 0 {
		errs = append(errs, errors.New("monitor.wait_poll must be positive and monitor.wait_timeout non-negative"))
	}
	if c.Monitor.StopDebounce < 1 {
		errs = append(errs, fmt.Errorf("monitor.stop_debounce must be at least 1, got %d", c.Monitor.StopDebounce))
	}
	if err := c.Rotation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rotation: %w", err))
	}
	if _, err := c.Lookup.Build(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Capture.GlobalArgs) == 0 {
		errs = append(errs, errors.New("capture.global_args is required"))
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history.dsn is required when history is enabled"))
	}
	for _, kv := range c.Capture.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			errs = append(errs, fmt.Errorf("capture.env entry %q is not K=V", kv))
		}
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.tls: %w", err))
	}
	if err := c.Server.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.auth: %w", err))
	}
	return errors.Join(errs...)
}

// CaptureEnv returns the environment for capture commands, or nil to inherit.
func (c *Config) CaptureEnv() []string {
	if len(c.Capture.Env) == 0 {
		return nil
	}
	return env.New().Merge(c.Capture.Env)
}

// Build turns the configured method names into lookup strategies.
func (c LookupConfig) Build() ([]detector.Lookup, error) {
	if len(c.Methods) == 0 {
		return nil, errors.New("lookup.methods must name at least one method")
	}
	out := make([]detector.Lookup, 0, len(c.Methods))
	for _, m := range c.Methods {
		switch m {
		case "pidof":
			out = append(out, detector.PidofLookup{Command: c.Pidof})
		case "ps":
			out = append(out, detector.PSLookup{Command: c.PS})
		case "proctable":
			out = append(out, detector.ProcessTableLookup{})
		default:
			return nil, fmt.Errorf("unknown lookup method %q", m)
		}
	}
	return out, nil
}
