// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. Everything the runtime
// needs is resolved here once; no component reads environment variables or
// other ambient state at call sites.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Vision  VisionConfig  `mapstructure:"vision" yaml:"vision"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the Chrome instance driven over CDP.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// KeepOpen leaves the browser process running when the driver handle is
	// closed, so a human can take over after automation finishes.
	KeepOpen bool `mapstructure:"keep_open" yaml:"keep_open"`
	// RemoteURL attaches to an already-running browser (DevTools websocket
	// URL) instead of launching one. Attached browsers are never closed.
	RemoteURL         string        `mapstructure:"remote_url" yaml:"remote_url"`
	ProfileDir        string        `mapstructure:"profile_dir" yaml:"profile_dir"`
	WindowWidth       int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight      int           `mapstructure:"window_height" yaml:"window_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// ProviderConfig identifies one chat-completion endpoint.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"-"`
}

// VisionConfig configures the vision provider client.
type VisionConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
	// AllowProModels overrides the cost-control policy that rejects "pro"
	// model variants.
	AllowProModels      bool                      `mapstructure:"allow_pro_models" yaml:"allow_pro_models"`
	MaxTokens           int                       `mapstructure:"max_tokens" yaml:"max_tokens"`
	MaxCompletionTokens int                       `mapstructure:"max_completion_tokens" yaml:"max_completion_tokens"`
	APITimeout          time.Duration             `mapstructure:"api_timeout" yaml:"api_timeout"`
	Providers           map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// SessionConfig tunes the handover session lifecycle.
type SessionConfig struct {
	HandoverTimeout   time.Duration `mapstructure:"handover_timeout" yaml:"handover_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	VisualIndicators  bool          `mapstructure:"visual_indicators" yaml:"visual_indicators"`
	StateDir          string        `mapstructure:"state_dir" yaml:"state_dir"`
	// CleanupCooldown delays deletion of the persisted state file after
	// cleanup so late readers can still pick it up.
	CleanupCooldown time.Duration `mapstructure:"cleanup_cooldown" yaml:"cleanup_cooldown"`
	HandoverMessage string        `mapstructure:"handover_message" yaml:"handover_message"`
	ResumeMessage   string        `mapstructure:"resume_message" yaml:"resume_message"`
	CleanupMessage  string        `mapstructure:"cleanup_message" yaml:"cleanup_message"`
}

// AgentConfig bounds the Observe -> Decide -> Act loop.
type AgentConfig struct {
	Selector         string        `mapstructure:"selector" yaml:"selector"`
	MaxSteps         int           `mapstructure:"max_steps" yaml:"max_steps"`
	StepDelay        time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	StopOnNavigation bool          `mapstructure:"stop_on_navigation" yaml:"stop_on_navigation"`
	FallbackSpace    string        `mapstructure:"fallback_space" yaml:"fallback_space"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "clicksight")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.keep_open", false)
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.navigation_timeout", "90s")

	// -- Vision --
	v.SetDefault("vision.provider", "none")
	v.SetDefault("vision.model", "gpt-5-vision")
	v.SetDefault("vision.allow_pro_models", false)
	v.SetDefault("vision.max_tokens", 300)
	v.SetDefault("vision.max_completion_tokens", 2000)
	v.SetDefault("vision.api_timeout", "30s")
	v.SetDefault("vision.providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("vision.providers.zai.base_url", "https://api.bigmodel.org")

	// -- Session --
	v.SetDefault("session.handover_timeout", "30m")
	v.SetDefault("session.heartbeat_interval", "5s")
	v.SetDefault("session.visual_indicators", true)
	v.SetDefault("session.state_dir", ".")
	v.SetDefault("session.cleanup_cooldown", "60s")
	v.SetDefault("session.handover_message", "Automation paused. Browser ready for human takeover.")
	v.SetDefault("session.resume_message", "Automation resumed. Taking control of browser session.")
	v.SetDefault("session.cleanup_message", "Automation complete. Browser session will be closed.")

	// -- Agent --
	v.SetDefault("agent.selector", "body")
	v.SetDefault("agent.max_steps", 3)
	v.SetDefault("agent.step_delay", "1200ms")
	v.SetDefault("agent.stop_on_navigation", true)
	v.SetDefault("agent.fallback_space", "normalized")
}

// bindProviderKeys maps the conventional API key environment variables into
// the provider entries, so credentials never live in config files and no
// other package touches the environment.
func bindProviderKeys(v *viper.Viper) {
	_ = v.BindEnv("vision.providers.openai.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("vision.providers.openai.base_url", "OPENAI_BASE_URL")
	_ = v.BindEnv("vision.providers.zai.api_key", "ZAI_API_KEY")
	_ = v.BindEnv("vision.providers.zai.base_url", "ZAI_BASE_URL")
}

// Load reads the configuration from the optional config file, environment
// variables and defaults, in ascending priority.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CLICKSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindProviderKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig creates a configuration populated with default values.
// Used by tests and as the fallback when no config file is present.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with static defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}
