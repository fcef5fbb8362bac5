package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/quiche/internal/logger"
)

type SandboxConfig struct {
	Image      string  `mapstructure:"image"`
	DockerHost string  `mapstructure:"docker_host"`
	Memory     string  `mapstructure:"memory"`
	CPUs       float64 `mapstructure:"cpus"`
	PidsLimit  int64   `mapstructure:"pids_limit"`
	Network    string  `mapstructure:"network"`
	Workdir    string  `mapstructure:"workdir"`
}

type SchedulerConfig struct {
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
	Grace       time.Duration `mapstructure:"grace"`
	MaxSessions int           `mapstructure:"max_sessions"`
	MaxRequests int           `mapstructure:"max_requests"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	WorkRoot    string        `mapstructure:"work_root"`
}

type RelayConfig struct {
	MaxMessages    int    `mapstructure:"max_messages"`
	MaxMessageSize int    `mapstructure:"max_message_size"`
	ChunkSize      int    `mapstructure:"chunk_size"`
	ExitCommand    string `mapstructure:"exit_command"`
}

type DepsConfig struct {
	Dir string `mapstructure:"dir"`
}

type ProfileConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type RateLimitConfig struct {
	Backend string      `mapstructure:"backend"` // memory or redis
	Redis   RedisConfig `mapstructure:"redis"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type Config struct {
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Deps      DepsConfig      `mapstructure:"deps"`
	Profile   ProfileConfig   `mapstructure:"profile"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       logger.Config   `mapstructure:"log"`
}

// Load reads quiche.yaml from the working directory or ~/.quiche, applies
// QUICHE_* environment overrides, and falls back to defaults when no file exists.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("quiche")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.quiche")
	return load(v)
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("quiche")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variable references like ${REDIS_PASSWORD}
	cfg.RateLimit.Redis.Password = expandEnv(cfg.RateLimit.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home := os.Getenv("HOME")
	tmp := os.TempDir()

	v.SetDefault("sandbox.image", "quiche-python")
	v.SetDefault("sandbox.memory", "512m")
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.pids_limit", 128)
	v.SetDefault("sandbox.network", "bridge")
	v.SetDefault("sandbox.workdir", "/home/quiche")

	v.SetDefault("scheduler.run_timeout", 300*time.Second)
	v.SetDefault("scheduler.grace", 30*time.Second)
	v.SetDefault("scheduler.max_sessions", 3)
	v.SetDefault("scheduler.max_requests", 5)
	v.SetDefault("scheduler.cooldown", 300*time.Second)
	v.SetDefault("scheduler.work_root", tmp)

	v.SetDefault("relay.max_messages", 15)
	v.SetDefault("relay.max_message_size", 1800)
	v.SetDefault("relay.chunk_size", 256)
	v.SetDefault("relay.exit_command", "exit")

	v.SetDefault("deps.dir", filepath.Join(tmp, "quiche_requirements"))

	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.redis.addr", "localhost:6379")
	v.SetDefault("ratelimit.redis.key_prefix", "quiche:ratelimit:")

	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(home, ".quiche", "quiche.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Sandbox.Image == "":
		return fmt.Errorf("sandbox.image is required")
	case c.Scheduler.RunTimeout <= 0:
		return fmt.Errorf("scheduler.run_timeout must be positive")
	case c.Scheduler.MaxSessions <= 0:
		return fmt.Errorf("scheduler.max_sessions must be positive")
	case c.Scheduler.MaxRequests <= 0:
		return fmt.Errorf("scheduler.max_requests must be positive")
	case c.Scheduler.Cooldown <= 0:
		return fmt.Errorf("scheduler.cooldown must be positive")
	case c.Relay.MaxMessages <= 0:
		return fmt.Errorf("relay.max_messages must be positive")
	case c.Relay.MaxMessageSize <= 0 || c.Relay.ChunkSize <= 0:
		return fmt.Errorf("relay sizes must be positive")
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown ratelimit.backend: %s", c.RateLimit.Backend)
	}
	return nil
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}
