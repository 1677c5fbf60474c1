package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tapcast/broker/internal/parser"
)

// ErrInvalid wraps every validation failure reported by Validate.
var ErrInvalid = errors.New("invalid config")

const (
	DefaultPort       = 8080
	DefaultStreamPath = "/ws"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Producer ProducerConfig `yaml:"producer"`
	Restart  RestartConfig  `yaml:"restart"`
	Parser   ParserConfig   `yaml:"parser"`
	Relay    RelayConfig    `yaml:"relay"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	StreamPath      string        `yaml:"stream_path"`
	MaxClients      int           `yaml:"max_clients"` // 0 = unlimited
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	QueueSize       int           `yaml:"queue_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	OpsRoutes       bool          `yaml:"ops_routes"`
}

type ProducerConfig struct {
	Path         string        `yaml:"path"`
	Args         []string      `yaml:"args"`
	Dir          string        `yaml:"dir"`
	Env          []string      `yaml:"env"`
	Privileged   bool          `yaml:"privileged"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	KillGrace    time.Duration `yaml:"kill_grace"`
	MaxLineBytes int           `yaml:"max_line_bytes"`
	StderrLog    string        `yaml:"stderr_log"` // rotating file; empty disables
}

type RestartConfig struct {
	Delay       time.Duration `yaml:"delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`    // > Delay enables exponential growth
	MaxRestarts int           `yaml:"max_restarts"` // 0 = unlimited
	ResetAfter  time.Duration `yaml:"reset_after"`
}

type ParserConfig struct {
	Markers []string `yaml:"markers"`
}

type RelayConfig struct {
	RedisAddr string `yaml:"redis_addr"` // empty disables the relay
	Channel   string `yaml:"channel"`
	Buffer    int    `yaml:"buffer"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Service string `yaml:"service"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			Host:            "0.0.0.0",
			StreamPath:      DefaultStreamPath,
			QueueSize:       64,
			WriteTimeout:    10 * time.Second,
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			OpsRoutes:       true,
		},
		Producer: ProducerConfig{
			Path:         "./ebpf-probe",
			Dir:          ".",
			GracePeriod:  2 * time.Second,
			KillGrace:    3 * time.Second,
			MaxLineBytes: 64 * 1024,
		},
		Restart: RestartConfig{
			Delay:      5 * time.Second,
			Multiplier: 2,
			ResetAfter: time.Minute,
		},
		Parser: ParserConfig{
			Markers: append([]string(nil), parser.DefaultMarkers...),
		},
		Relay: RelayConfig{
			Channel: "tapcast.events",
			Buffer:  256,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "json",
			Service: "tapcast",
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() *Config {
	cfg := defaultConfig()
	cfg.applyEnv()
	return cfg
}

// Load reads path over the defaults, then applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("TAPCAST_PRODUCER_PATH"); v != "" {
		c.Producer.Path = v
	}
	if v := os.Getenv("TAPCAST_PRODUCER_DIR"); v != "" {
		c.Producer.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	case !strings.HasPrefix(c.Server.StreamPath, "/"):
		return fmt.Errorf("%w: server.stream_path %q must start with /", ErrInvalid, c.Server.StreamPath)
	case c.Server.MaxClients < 0:
		return fmt.Errorf("%w: server.max_clients must be >= 0", ErrInvalid)
	case c.Server.QueueSize <= 0:
		return fmt.Errorf("%w: server.queue_size must be > 0", ErrInvalid)
	case c.Server.PingInterval <= 0 || c.Server.PongTimeout <= c.Server.PingInterval:
		return fmt.Errorf("%w: server.pong_timeout must exceed server.ping_interval", ErrInvalid)
	case strings.TrimSpace(c.Producer.Path) == "":
		return fmt.Errorf("%w: producer.path is required", ErrInvalid)
	case c.Producer.KillGrace <= 0:
		return fmt.Errorf("%w: producer.kill_grace must be > 0", ErrInvalid)
	case c.Producer.MaxLineBytes <= 0:
		return fmt.Errorf("%w: producer.max_line_bytes must be > 0", ErrInvalid)
	case c.Restart.Delay < 0:
		return fmt.Errorf("%w: restart.delay cannot be negative", ErrInvalid)
	case c.Restart.MaxDelay > 0 && c.Restart.Multiplier < 1:
		return fmt.Errorf("%w: restart.multiplier must be >= 1", ErrInvalid)
	case c.Restart.MaxRestarts < 0:
		return fmt.Errorf("%w: restart.max_restarts must be >= 0", ErrInvalid)
	case c.Relay.RedisAddr != "" && c.Relay.Channel == "":
		return fmt.Errorf("%w: relay.channel is required with relay.redis_addr", ErrInvalid)
	}
	return nil
}

// Addr is the host:port the broker listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
