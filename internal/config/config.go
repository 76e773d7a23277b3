// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Network     NetworkConfig     `mapstructure:"network" yaml:"network"`
	Detection   DetectionConfig   `mapstructure:"detection" yaml:"detection"`
	Interaction InteractionConfig `mapstructure:"interaction" yaml:"interaction"`
	Catalog     CatalogConfig     `mapstructure:"catalog" yaml:"catalog"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	// Scan gets its marching orders from CLI flags, not the config file.
	Scan ScanConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig configures the zap logger and its optional rotated file sink.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls the Chrome instance used for scanning.
type BrowserConfig struct {
	Headless         bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors  bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Concurrency      int           `mapstructure:"concurrency" yaml:"concurrency"`
	WindowWidth      int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight     int           `mapstructure:"window_height" yaml:"window_height"`
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`
	ExecPath         string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args             []string      `mapstructure:"args" yaml:"args"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// NetworkConfig tunes page loading.
type NetworkConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	ScrollSteps       int           `mapstructure:"scroll_steps" yaml:"scroll_steps"`
	ScrollPause       time.Duration `mapstructure:"scroll_pause" yaml:"scroll_pause"`
}

// DetectionConfig selects and tunes the detection strategies.
type DetectionConfig struct {
	Strategies    []string `mapstructure:"strategies" yaml:"strategies"`
	SizeTolerance int      `mapstructure:"size_tolerance" yaml:"size_tolerance"`
	SizeSelector  string   `mapstructure:"size_selector" yaml:"size_selector"`

	// MinGenericConfidence discards class, id and data candidates scoring
	// below it. Zero means the built-in 0.3.
	MinGenericConfidence float64 `mapstructure:"min_generic_confidence" yaml:"min_generic_confidence"`
}

// InteractionConfig tunes simulated clicks and redirect tracking.
type InteractionConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxCandidates     int           `mapstructure:"max_candidates" yaml:"max_candidates"`
	MinConfidence     float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	LoadTimeout       time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
	RestoreTimeout    time.Duration `mapstructure:"restore_timeout" yaml:"restore_timeout"`
	MinInterval       time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
	PointerOffsetX    float64       `mapstructure:"pointer_offset_x" yaml:"pointer_offset_x"`
	PointerOffsetY    float64       `mapstructure:"pointer_offset_y" yaml:"pointer_offset_y"`
	RestoreSameWindow bool          `mapstructure:"restore_same_window" yaml:"restore_same_window"`
}

// CatalogConfig points at an optional pattern catalog file.
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// ScanConfig holds settings populated from CLI flags for a specific scan job.
type ScanConfig struct {
	Targets    []string
	Output     string
	NoInteract bool
}

// Known detection strategy names, in execution order.
const (
	StrategyIframe = "iframe"
	StrategyScript = "script"
	StrategyClass  = "class_id"
	StrategyData   = "data_attribute"
	StrategySize   = "size"
)

// AllStrategies lists every detection strategy in execution order.
var AllStrategies = []string{StrategyIframe, StrategyScript, StrategyClass, StrategyData, StrategySize}

// EnvPrefix is prepended to environment overrides, e.g. ADPROBE_BROWSER_HEADLESS.
const EnvPrefix = "ADPROBE"

// BindEnv wires environment overrides into v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(newEnvReplacer())
	v.AutomaticEnv()
}

func newEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "adprobe")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.concurrency", 2)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.operation_timeout", "10s")

	// -- Network --
	v.SetDefault("network.navigation_timeout", "30s")
	v.SetDefault("network.post_load_wait", "2s")
	v.SetDefault("network.max_retries", 3)
	v.SetDefault("network.retry_delay", "2s")
	v.SetDefault("network.scroll_steps", 3)
	v.SetDefault("network.scroll_pause", "500ms")

	// -- Detection --
	v.SetDefault("detection.strategies", AllStrategies)
	v.SetDefault("detection.size_tolerance", 5)
	v.SetDefault("detection.size_selector", "div, section, aside, ins, figure")
	v.SetDefault("detection.min_generic_confidence", 0.3)

	// -- Interaction --
	v.SetDefault("interaction.enabled", true)
	v.SetDefault("interaction.max_candidates", 5)
	v.SetDefault("interaction.min_confidence", 0.6)
	v.SetDefault("interaction.poll_interval", "250ms")
	v.SetDefault("interaction.navigation_timeout", "10s")
	v.SetDefault("interaction.load_timeout", "15s")
	v.SetDefault("interaction.restore_timeout", "10s")
	v.SetDefault("interaction.min_interval", "1s")
	v.SetDefault("interaction.pointer_offset_x", -20.0)
	v.SetDefault("interaction.pointer_offset_y", -10.0)
	v.SetDefault("interaction.restore_same_window", true)

	// -- Catalog / Metrics --
	v.SetDefault("catalog.path", "")
	v.SetDefault("metrics.addr", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Logger.LogFile, &c.Catalog.Path} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.Concurrency <= 0 {
		return fmt.Errorf("browser.concurrency must be a positive integer")
	}
	if c.Browser.OperationTimeout <= 0 {
		return fmt.Errorf("browser.operation_timeout must be a positive duration")
	}
	if c.Network.MaxRetries <= 0 {
		return fmt.Errorf("network.max_retries must be a positive integer")
	}
	if c.Network.NavigationTimeout <= 0 {
		return fmt.Errorf("network.navigation_timeout must be a positive duration")
	}
	if err := c.Detection.Validate(); err != nil {
		return fmt.Errorf("detection configuration invalid: %w", err)
	}
	if err := c.Interaction.Validate(); err != nil {
		return fmt.Errorf("interaction configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the detection settings.
func (d *DetectionConfig) Validate() error {
	if d.SizeTolerance < 0 {
		return fmt.Errorf("size_tolerance must not be negative")
	}
	if d.MinGenericConfidence < 0 || d.MinGenericConfidence > 1 {
		return fmt.Errorf("min_generic_confidence must be within [0, 1]")
	}
	known := make(map[string]bool, len(AllStrategies))
	for _, s := range AllStrategies {
		known[s] = true
	}
	for _, s := range d.Strategies {
		if !known[s] {
			return fmt.Errorf("unknown detection strategy %q", s)
		}
	}
	return nil
}

// Enabled reports whether the named strategy should run. An empty list enables all.
func (d *DetectionConfig) Enabled(strategy string) bool {
	if len(d.Strategies) == 0 {
		return true
	}
	for _, s := range d.Strategies {
		if s == strategy {
			return true
		}
	}
	return false
}

// Validate checks the interaction settings.
func (i *InteractionConfig) Validate() error {
	if i.MinConfidence < 0.0 || i.MinConfidence > 1.0 {
		return fmt.Errorf("min_confidence must be between 0.0 and 1.0")
	}
	if i.MaxCandidates < 0 {
		return fmt.Errorf("max_candidates must not be negative")
	}
	if i.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if i.NavigationTimeout <= 0 || i.LoadTimeout <= 0 || i.RestoreTimeout <= 0 {
		return fmt.Errorf("navigation_timeout, load_timeout and restore_timeout must be positive durations")
	}
	return nil
}
