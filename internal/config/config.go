package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/bugexd/internal/env"
	"github.com/loykin/bugexd/internal/logger"
	"github.com/loykin/bugexd/internal/monitor"
	"github.com/loykin/bugexd/internal/process"
	srvtls "github.com/loykin/bugexd/internal/tls"
)

// EnvPrefix is prepended to every environment override, e.g.
// BUGEXD_MONITORING_CHECK_INTERVAL=10s.
const EnvPrefix = "BUGEXD"

// Config is the top-level TOML structure.
type Config struct {
	BugEx      BugExConfig      `toml:"bugex" mapstructure:"bugex"`
	Monitoring MonitoringConfig `toml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
	Results    ResultsConfig    `toml:"results" mapstructure:"results"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
}

type BugExConfig struct {
	Executable     string   `toml:"executable" mapstructure:"executable"`
	ResultFileName string   `toml:"result_file_name" mapstructure:"result_file_name"`
	LogFileName    string   `toml:"log_file_name" mapstructure:"log_file_name"`
	Env            []string `toml:"env" mapstructure:"env"`
}

type MonitoringConfig struct {
	CheckInterval  time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	MaxLifeTime    time.Duration `toml:"max_life_time" mapstructure:"max_life_time"`
	KillOnShutdown bool          `toml:"kill_on_shutdown" mapstructure:"kill_on_shutdown"`
}

type ServerConfig struct {
	Listen          string    `toml:"listen" mapstructure:"listen"`
	BasePath        string    `toml:"base_path" mapstructure:"base_path"`
	WorkingDir      string    `toml:"working_dir" mapstructure:"working_dir"`
	Debug           bool      `toml:"debug" mapstructure:"debug"`
	ArtificialDelay int       `toml:"artificial_delay" mapstructure:"artificial_delay"`
	TLS             TLSConfig `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ResultsConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// defaults are shared by Load and WriteDefault. Durations stay strings so the
// generated file is readable.
func defaults() map[string]any {
	return map[string]any{
		"bugex.executable":            "java -jar /var/bugex/bugex.jar",
		"bugex.result_file_name":      process.DefaultResultFileName,
		"bugex.log_file_name":         process.DefaultLogFileName,
		"bugex.env":                   []string{},
		"monitoring.check_interval":   "5s",
		"monitoring.max_life_time":    "12h",
		"monitoring.kill_on_shutdown": true,
		"server.listen":               ":8080",
		"server.base_path":            "/api",
		"server.working_dir":          filepath.Join(os.TempDir(), "bugex"),
		"server.debug":                false,
		"server.artificial_delay":     5,
		"server.tls.enabled":          false,
		"server.tls.auto_generate":    false,
		"server.tls.min_version":      "1.3",
		"log.level":                   "info",
		"log.format":                  "text",
		"log.color":                   false,
		"log.max_size_mb":             10,
		"log.max_backups":             3,
		"log.max_age_days":            7,
		"log.compress":                false,
		"results.dsn":                 "",
		"history.dsns":                []string{},
		"metrics.enabled":             true,
		"metrics.listen":              ":9090",
	}
}

func newViper() *viper.Viper {
	v := newViperNoEnv()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the TOML file at path (optional) and applies defaults and
// BUGEXD_* environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	// defaults always decode
	_ = newViperNoEnv().Unmarshal(&c)
	return c
}

func newViperNoEnv() *viper.Viper {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetConfigType("toml")
	return v
}

// Validate checks the settings that would make supervision impossible.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BugEx.Executable) == "" {
		errs = append(errs, errors.New("bugex.executable is required"))
	}
	if bad, ok := env.Validate(c.BugEx.Env); !ok {
		errs = append(errs, fmt.Errorf("bugex.env entry %q must be KEY=VALUE", bad))
	}
	if c.Server.WorkingDir == "" {
		errs = append(errs, errors.New("server.working_dir is required"))
	}
	if c.Monitoring.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("monitoring.check_interval must be > 0, got %v", c.Monitoring.CheckInterval))
	}
	if c.Monitoring.MaxLifeTime < c.Monitoring.CheckInterval {
		errs = append(errs, fmt.Errorf("monitoring.max_life_time %v must be >= check_interval %v", c.Monitoring.MaxLifeTime, c.Monitoring.CheckInterval))
	}
	if c.Server.ArtificialDelay < 0 {
		errs = append(errs, errors.New("server.artificial_delay must be >= 0"))
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file, or dir"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// WriteDefault writes the default configuration to path. An existing file is
// left alone unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if path == "" {
		return errors.New("config path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	v := newViperNoEnv()
	if overwrite {
		return v.WriteConfigAs(path)
	}
	return v.SafeWriteConfigAs(path)
}

// MonitorConfig maps the file settings onto the supervision settings.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Executable:      c.BugEx.Executable,
		ResultFileName:  c.BugEx.ResultFileName,
		LogFileName:     c.BugEx.LogFileName,
		WorkingDir:      c.Server.WorkingDir,
		Debug:           c.Server.Debug,
		ArtificialDelay: c.Server.ArtificialDelay,
		CheckInterval:   c.Monitoring.CheckInterval,
		MaxLifeTime:     c.Monitoring.MaxLifeTime,
		KillOnShutdown:  c.Monitoring.KillOnShutdown,
		Env:             c.BugEx.Env,
		Log:             c.Log.Rotation(),
	}
}

// TLSOptions returns the certificate settings of the API listener.
func (s ServerConfig) TLSOptions() srvtls.Options {
	return srvtls.Options{
		Enabled:      s.TLS.Enabled,
		CertFile:     s.TLS.CertFile,
		KeyFile:      s.TLS.KeyFile,
		Dir:          s.TLS.Dir,
		AutoGenerate: s.TLS.AutoGenerate,
		MinVersion:   s.TLS.MinVersion,
		DNSNames:     s.TLS.DNSNames,
	}
}

// Rotation returns the lumberjack settings for tool log files.
func (l LogConfig) Rotation() logger.Config {
	return logger.Config{
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// LoggerOptions returns the slog handler options for the daemon itself.
func (l LogConfig) LoggerOptions() logger.Options {
	return logger.Options{Level: l.Level, Format: l.Format, Color: l.Color}
}
