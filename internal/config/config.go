package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration loaded at startup.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Bridges   BridgesConfig   `mapstructure:"bridges"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	History   HistoryConfig   `mapstructure:"history"`
	Parser    ParserConfig    `mapstructure:"parser"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

type TasksConfig struct {
	// MaxRetained bounds the task store; oldest terminal tasks are evicted
	// past this cap. Pending/running tasks are never evicted.
	MaxRetained     int           `mapstructure:"max_retained"`
	DefaultMaxSteps int           `mapstructure:"default_max_steps"`
	MaxSteps        int           `mapstructure:"max_steps"`
	StepTimeout     time.Duration `mapstructure:"step_timeout"`
	// CreateRatePerSec and CreateBurst feed the submission rate limiter.
	CreateRatePerSec float64 `mapstructure:"create_rate_per_sec"`
	CreateBurst      int     `mapstructure:"create_burst"`
}

type BridgesConfig struct {
	Browser HTTPBridgeConfig    `mapstructure:"browser"`
	LLM     HTTPBridgeConfig    `mapstructure:"llm"`
	Command CommandBridgeConfig `mapstructure:"command"`
}

type HTTPBridgeConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Model   string        `mapstructure:"model"`
}

type CommandBridgeConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StreamingConfig struct {
	RingCapacity     int           `mapstructure:"ring_capacity"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	RedisAddr        string        `mapstructure:"redis_addr"`
	RedisStreamTTL   time.Duration `mapstructure:"redis_stream_ttl"`
}

type HistoryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Driver    string `mapstructure:"driver"` // "postgres" or "sqlite3"
	DSN       string `mapstructure:"dsn"`
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`
}

type ParserConfig struct {
	RulesPath string `mapstructure:"rules_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Path returns the config file location: WEBRUNNER_CONFIG or the default
// ./config/webrunner.yaml.
func Path() string {
	if p := os.Getenv("WEBRUNNER_CONFIG"); p != "" {
		return p
	}
	return "config/webrunner.yaml"
}

// Load reads configuration from WEBRUNNER_CONFIG (or ./config/webrunner.yaml)
// with WEBRUNNER_* environment overrides. A missing file is not an error; the
// defaults below describe a fully local deployment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	cfgPath := Path()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("WEBRUNNER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		// No config file; run on defaults and env.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)

	v.SetDefault("tasks.max_retained", 1000)
	v.SetDefault("tasks.default_max_steps", 5)
	v.SetDefault("tasks.max_steps", 25)
	v.SetDefault("tasks.step_timeout", 60*time.Second)
	v.SetDefault("tasks.create_rate_per_sec", 10.0)
	v.SetDefault("tasks.create_burst", 20)

	v.SetDefault("bridges.browser.base_url", "http://localhost:5001/api/browser")
	v.SetDefault("bridges.browser.timeout", 30*time.Second)
	v.SetDefault("bridges.llm.base_url", "http://localhost:8000")
	v.SetDefault("bridges.llm.timeout", 60*time.Second)
	v.SetDefault("bridges.llm.model", "default")
	v.SetDefault("bridges.command.timeout", 30*time.Second)

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.subscriber_buffer", 256)
	v.SetDefault("streaming.redis_stream_ttl", time.Hour)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.driver", "postgres")
	v.SetDefault("history.workers", 2)
	v.SetDefault("history.queue_size", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Tasks.MaxRetained <= 0 {
		return fmt.Errorf("tasks.max_retained must be positive")
	}
	if c.Tasks.DefaultMaxSteps <= 0 || c.Tasks.MaxSteps <= 0 {
		return fmt.Errorf("step limits must be positive")
	}
	if c.Tasks.DefaultMaxSteps > c.Tasks.MaxSteps {
		return fmt.Errorf("tasks.default_max_steps %d exceeds tasks.max_steps %d",
			c.Tasks.DefaultMaxSteps, c.Tasks.MaxSteps)
	}
	if c.History.Enabled {
		if c.History.Driver != "postgres" && c.History.Driver != "sqlite3" {
			return fmt.Errorf("unsupported history driver %q", c.History.Driver)
		}
		if c.History.DSN == "" {
			return fmt.Errorf("history.dsn required when history is enabled")
		}
	}
	return nil
}
