package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "AGENT_GATEWAY"

var defaultConfigPaths = []string{
	"config/config.yaml",
	"../config/config.yaml",
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Database DatabaseConfig `mapstructure:"database"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Features FeaturesConfig `mapstructure:"features"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AgentConfig controls the agent WebSocket endpoint.
type AgentConfig struct {
	Path               string        `mapstructure:"path"`
	Subprotocol        string        `mapstructure:"subprotocol"`
	RequireSubprotocol bool          `mapstructure:"require_subprotocol"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	WriteWait          time.Duration `mapstructure:"write_wait"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	PongWait           time.Duration `mapstructure:"pong_wait"`
	MaxMessageBytes    int64         `mapstructure:"max_message_bytes"`
	MessagesPerSecond  float64       `mapstructure:"messages_per_second"`
	MessageBurst       int           `mapstructure:"message_burst"`
	AllowedOrigins     []string      `mapstructure:"allowed_origins"`
}

type TasksConfig struct {
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	OutcomeRetention time.Duration `mapstructure:"outcome_retention"`
	OutcomeCacheSize int           `mapstructure:"outcome_cache_size"`
	Welcome          WelcomeTask   `mapstructure:"welcome"`
}

// WelcomeTask is dispatched to an agent shortly after it registers.
type WelcomeTask struct {
	Enabled        bool          `mapstructure:"enabled"`
	Delay          time.Duration `mapstructure:"delay"`
	Instruction    string        `mapstructure:"instruction"`
	URL            string        `mapstructure:"url"`
	Priority       string        `mapstructure:"priority"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
	File             LogFile  `mapstructure:"file"`
}

// LogFile enables a rotating JSON log file next to the regular outputs.
type LogFile struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

type FeaturesConfig struct {
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
}

type AuthConfig struct {
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("agent.path", "/api/websocket/agent")
	v.SetDefault("agent.subprotocol", "graph8-agent")
	v.SetDefault("agent.require_subprotocol", false)
	v.SetDefault("agent.handshake_timeout", "10s")
	v.SetDefault("agent.write_wait", "10s")
	v.SetDefault("agent.ping_interval", "30s")
	v.SetDefault("agent.pong_wait", "75s")
	v.SetDefault("agent.max_message_bytes", 1<<20)
	v.SetDefault("agent.messages_per_second", 0)
	v.SetDefault("agent.message_burst", 20)

	v.SetDefault("tasks.default_timeout", "300s")
	v.SetDefault("tasks.sweep_interval", "5s")
	v.SetDefault("tasks.outcome_retention", "1h")
	v.SetDefault("tasks.outcome_cache_size", 10000)
	v.SetDefault("tasks.welcome.enabled", false)
	v.SetDefault("tasks.welcome.instruction", "")
	v.SetDefault("tasks.welcome.url", "")
	v.SetDefault("tasks.welcome.delay", "2s")
	v.SetDefault("tasks.welcome.priority", "high")
	v.SetDefault("tasks.welcome.timeout_seconds", 300)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "agent_gateway")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})
	v.SetDefault("logger.file.path", "")
	v.SetDefault("logger.file.max_size_mb", 100)
	v.SetDefault("logger.file.max_backups", 5)
	v.SetDefault("logger.file.max_age_days", 30)
	v.SetDefault("logger.file.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "agent_gateway")

	v.SetDefault("features.request_id_header", "X-Request-ID")
	v.SetDefault("features.enable_request_logging", false)

	v.SetDefault("auth.admin_api_key", "")
}

// Load reads the config file at path (or the first default path that exists)
// and applies AGENT_GATEWAY_* environment overrides. A missing file is only an
// error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if !strings.HasPrefix(c.Agent.Path, "/") {
		errs = append(errs, fmt.Errorf("agent.path must start with '/': %q", c.Agent.Path))
	}
	if c.Agent.Subprotocol == "" {
		errs = append(errs, errors.New("agent.subprotocol is required"))
	}
	if c.Agent.PingInterval > 0 && c.Agent.PongWait > 0 && c.Agent.PingInterval >= c.Agent.PongWait {
		errs = append(errs, errors.New("agent.ping_interval must be shorter than agent.pong_wait"))
	}
	if c.Tasks.SweepInterval <= 0 {
		errs = append(errs, errors.New("tasks.sweep_interval must be positive"))
	}
	if c.Tasks.OutcomeCacheSize <= 0 {
		errs = append(errs, errors.New("tasks.outcome_cache_size must be positive"))
	}
	if c.Tasks.Welcome.Enabled && c.Tasks.Welcome.Instruction == "" {
		errs = append(errs, errors.New("tasks.welcome.instruction is required when the welcome task is enabled"))
	}
	switch c.Tasks.Welcome.Priority {
	case "", "high", "medium", "low":
	default:
		errs = append(errs, fmt.Errorf("tasks.welcome.priority must be one of high, medium, low: %q", c.Tasks.Welcome.Priority))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with '/': %q", c.Metrics.Path))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Default returns the built-in configuration without reading files or the
// environment.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}
