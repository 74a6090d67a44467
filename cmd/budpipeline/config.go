package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/engine"
)

const envPrefix = "BUDPIPELINE"

// Config holds all budpipeline process configuration.
// Priority: env vars > budpipeline.yaml > defaults.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    engine.Config   `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Invoke    InvokeConfig    `mapstructure:"invoke"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	MCP       MCPConfig       `mapstructure:"mcp"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Path is a libSQL DSN, e.g. file:budpipeline.db.
	Path string `mapstructure:"path"`
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// PubSubConfig selects the progress publisher: memory, redis, dapr or none.
type PubSubConfig struct {
	Type          string        `mapstructure:"type"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	ChannelPrefix string        `mapstructure:"channel_prefix"`
	DaprPubSub    string        `mapstructure:"dapr_pubsub"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// InvokeConfig configures service invocation through the Dapr sidecar.
type InvokeConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
	ClusterAppID        string        `mapstructure:"cluster_app_id"`
	NotificationTopic   string        `mapstructure:"notification_topic"`
}

// HTTPConfig configures the http_request and webhook actions.
type HTTPConfig struct {
	MaxResponseBody int64         `mapstructure:"max_response_body"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	AllowPrivate    bool          `mapstructure:"allow_private"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MCPConfig enables the MCP SSE transport inside serve when Addr is set.
type MCPConfig struct {
	Addr    string `mapstructure:"addr"`
	BaseURL string `mapstructure:"base_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8010")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.path", "file:budpipeline.db")

	v.SetDefault("engine.pool_size", engine.DefaultPoolSize)
	v.SetDefault("engine.default_step_timeout", engine.DefaultStepTimeout)
	v.SetDefault("engine.default_event_timeout", engine.DefaultEventTimeout)
	v.SetDefault("engine.cancel_timeout", engine.DefaultCancelTimeout)
	v.SetDefault("engine.sweep_interval", engine.DefaultSweepInterval)
	v.SetDefault("engine.subscription_ttl", engine.DefaultSubscriptionTTL)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 30*time.Second)

	v.SetDefault("pubsub.type", "memory")
	v.SetDefault("pubsub.redis_addr", "localhost:6379")
	v.SetDefault("pubsub.redis_password", "")
	v.SetDefault("pubsub.redis_db", 0)
	v.SetDefault("pubsub.channel_prefix", "budpipeline:")
	v.SetDefault("pubsub.dapr_pubsub", "pubsub")
	v.SetDefault("pubsub.timeout", 10*time.Second)

	v.SetDefault("invoke.base_url", "http://localhost:3500")
	v.SetDefault("invoke.timeout", 30*time.Second)
	v.SetDefault("invoke.consecutive_failures", 5)
	v.SetDefault("invoke.open_timeout", 30*time.Second)
	v.SetDefault("invoke.half_open_requests", 1)
	v.SetDefault("invoke.cluster_app_id", "budcluster")
	v.SetDefault("invoke.notification_topic", "notificationMessages")

	v.SetDefault("http.max_response_body", 10*1024*1024)
	v.SetDefault("http.default_timeout", 30*time.Second)
	v.SetDefault("http.allow_private", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("mcp.addr", "")
	v.SetDefault("mcp.base_url", "")
}

// loadConfig layers defaults, the optional config file and BUDPIPELINE_*
// environment variables. An explicit path must exist; otherwise a missing
// budpipeline.yaml is fine.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("budpipeline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/budpipeline")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
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

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Engine.PoolSize < 0 {
		errs = append(errs, errors.New("engine.pool_size must not be negative"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	switch c.PubSub.Type {
	case "memory", "none":
	case "redis":
		if c.PubSub.RedisAddr == "" {
			errs = append(errs, errors.New("pubsub.redis_addr is required for the redis publisher"))
		}
	case "dapr":
		if c.PubSub.DaprPubSub == "" {
			errs = append(errs, errors.New("pubsub.dapr_pubsub is required for the dapr publisher"))
		}
		if c.Invoke.BaseURL == "" {
			errs = append(errs, errors.New("invoke.base_url is required for the dapr publisher"))
		}
	default:
		errs = append(errs, fmt.Errorf("pubsub.type %q must be one of memory, redis, dapr, none", c.PubSub.Type))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if c.MCP.Addr != "" && c.MCP.Addr == c.Server.Addr {
		errs = append(errs, errors.New("mcp.addr must differ from server.addr"))
	}
	return errors.Join(errs...)
}

func (c *Config) invokerConfig() actions.InvokerConfig {
	return actions.InvokerConfig{
		BaseURL:             c.Invoke.BaseURL,
		Timeout:             c.Invoke.Timeout,
		ConsecutiveFailures: c.Invoke.ConsecutiveFailures,
		OpenTimeout:         c.Invoke.OpenTimeout,
		HalfOpenRequests:    c.Invoke.HalfOpenRequests,
	}
}

func (c *Config) httpConfig() actions.HTTPConfig {
	return actions.HTTPConfig{
		MaxResponseBody: c.HTTP.MaxResponseBody,
		DefaultTimeout:  c.HTTP.DefaultTimeout,
		AllowPrivate:    c.HTTP.AllowPrivate,
	}
}
