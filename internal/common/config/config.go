// Package config provides configuration management for the hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	RPI       RPIConfig       `mapstructure:"rpi"`
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Secret    SecretConfig    `mapstructure:"secret"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Connector ConnectorConfig `mapstructure:"connector"`
	Task      TaskConfig      `mapstructure:"task"`
	Log       LogConfig       `mapstructure:"log"`
}

// RPIConfig describes how this hub instance is reachable from collaborators.
type RPIConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Protocol string `mapstructure:"protocol"` // http or https
	APIKey   string `mapstructure:"apiKey"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Workers int    `mapstructure:"workers"`
}

// DBConfig holds Store connection configuration.
type DBConfig struct {
	URL         string `mapstructure:"url"`
	Echo        bool   `mapstructure:"echo"`
	PoolSize    int    `mapstructure:"poolSize"`
	MaxOverflow int    `mapstructure:"maxOverflow"`
}

// CORSConfig holds CORS policy configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	Methods        []string `mapstructure:"methods"`
	Headers        []string `mapstructure:"headers"`
}

// SecretConfig holds token-signing configuration.
type SecretConfig struct {
	Key            string `mapstructure:"key"`
	AccessTTLMin   int    `mapstructure:"accessTtlMinutes"`
	RefreshTTLDays int    `mapstructure:"refreshTtlDays"`
	Algorithm      string `mapstructure:"algorithm"`
}

// LLMConfig holds the Conversation Orchestrator's LLM Client configuration.
type LLMConfig struct {
	APIKey        string  `mapstructure:"apiKey"`
	Model         string  `mapstructure:"model"`
	MaxTokens     int     `mapstructure:"maxTokens"`
	Temperature   float64 `mapstructure:"temperature"`
	TopP          float64 `mapstructure:"topP"`
	TopK          int     `mapstructure:"topK"`
	MaxRetries    int     `mapstructure:"maxRetries"`
	TimeoutSecs   int     `mapstructure:"timeout"`
	ContextWindow int     `mapstructure:"contextWindow"`
}

// ConnectorConfig holds the Connector Command Broker's configuration.
type ConnectorConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	ConnectTimeoutSecs    int    `mapstructure:"connectTimeout"`
	CommandTimeoutSecs    int    `mapstructure:"commandTimeout"`
	MaxRetries            int    `mapstructure:"maxRetries"`
	HeartbeatIntervalSecs int    `mapstructure:"heartbeatInterval"`
	QueueMaxSize          int    `mapstructure:"queueMaxSize"`
	SSHEnabled            bool   `mapstructure:"sshEnabled"`
	RetentionWindowSecs   int    `mapstructure:"retentionWindow"`
}

// TaskConfig holds Task State Engine configuration.
type TaskConfig struct {
	MaxDurationSecs     int `mapstructure:"maxDuration"`
	CleanupIntervalSecs int `mapstructure:"cleanupInterval"`
	MaxConcurrent       int `mapstructure:"maxConcurrent"`
	RetryAttempts       int `mapstructure:"retryAttempts"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LLMTimeout returns the per-call LLM timeout as a time.Duration.
func (c *LLMConfig) LLMTimeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// HeartbeatInterval returns the configured heartbeat interval as a time.Duration.
func (c *ConnectorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

// RetentionWindow returns the command retention window as a time.Duration.
func (c *ConnectorConfig) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionWindowSecs) * time.Second
}

// CommandTimeout returns the default per-command timeout as a time.Duration.
func (c *ConnectorConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSecs) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HUB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("rpi.host", "0.0.0.0")
	v.SetDefault("rpi.port", 8000)
	v.SetDefault("rpi.protocol", "http")
	v.SetDefault("rpi.apiKey", "")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.workers", 1)

	v.SetDefault("db.url", "./hub.db")
	v.SetDefault("db.echo", false)
	v.SetDefault("db.poolSize", 5)
	v.SetDefault("db.maxOverflow", 10)

	v.SetDefault("cors.allowedOrigins", []string{"*"})
	v.SetDefault("cors.methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("cors.headers", []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"})

	v.SetDefault("secret.key", "")
	v.SetDefault("secret.accessTtlMinutes", 30)
	v.SetDefault("secret.refreshTtlDays", 7)
	v.SetDefault("secret.algorithm", "HS256")

	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gemini-1.5-flash-latest")
	v.SetDefault("llm.maxTokens", 8192)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.topP", 0.8)
	v.SetDefault("llm.topK", 40)
	v.SetDefault("llm.maxRetries", 3)
	v.SetDefault("llm.timeout", 30)
	v.SetDefault("llm.contextWindow", 32000)

	v.SetDefault("connector.enabled", true)
	v.SetDefault("connector.host", "localhost")
	v.SetDefault("connector.port", 9500)
	v.SetDefault("connector.connectTimeout", 10)
	v.SetDefault("connector.commandTimeout", 300)
	v.SetDefault("connector.maxRetries", 3)
	v.SetDefault("connector.heartbeatInterval", 15)
	v.SetDefault("connector.queueMaxSize", 1000)
	v.SetDefault("connector.sshEnabled", true)
	v.SetDefault("connector.retentionWindow", 600)

	v.SetDefault("task.maxDuration", 3600)
	v.SetDefault("task.cleanupInterval", 300)
	v.SetDefault("task.maxConcurrent", 50)
	v.SetDefault("task.retryAttempts", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", detectDefaultLogFormat())
	v.SetDefault("log.file", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HUB_ and the upper-cased key with dots
// replaced by underscores (e.g. HUB_SERVER_PORT, HUB_LLM_APIKEY).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hub/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Connector.QueueMaxSize <= 0 {
		errs = append(errs, "connector.queueMaxSize must be positive")
	}
	if cfg.Connector.HeartbeatIntervalSecs <= 0 {
		errs = append(errs, "connector.heartbeatInterval must be positive")
	}

	if cfg.LLM.ContextWindow <= cfg.LLM.MaxTokens {
		errs = append(errs, "llm.contextWindow must exceed llm.maxTokens")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Log.Format)] {
		errs = append(errs, "log.format must be one of: json, text")
	}

	if cfg.Secret.Key == "" {
		cfg.Secret.Key = generateDevSecret()
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret produces a placeholder secret for development mode.
// Production deployments must set HUB_SECRET_KEY explicitly.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
