package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. QUEUESYNC_API_BASE_URL
const EnvPrefix = "QUEUESYNC"

// Config is the agent configuration. Values come from defaults, then the
// optional YAML file, then the environment.
type Config struct {
	UserID    string          `yaml:"user_id" envconfig:"USER_ID"`
	API       APIConfig       `yaml:"api" envconfig:"API"`
	Feeds     FeedsConfig     `yaml:"feeds" envconfig:"FEEDS"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	NATS      NATSConfig      `yaml:"nats" envconfig:"NATS"`
	Countdown CountdownConfig `yaml:"countdown" envconfig:"COUNTDOWN"`
	Stale     StaleConfig     `yaml:"stale" envconfig:"STALE"`
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Log       LogConfig       `yaml:"log" envconfig:"LOG"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url" envconfig:"BASE_URL"`
	Token   string        `yaml:"token" envconfig:"TOKEN"`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// FeedsConfig describes both push channels. QueueURL may contain {subject}
// and {resource}; TelemetryURL may contain {session}.
type FeedsConfig struct {
	QueueURL         string        `yaml:"queue_url" envconfig:"QUEUE_URL"`
	TelemetryURL     string        `yaml:"telemetry_url" envconfig:"TELEMETRY_URL"`
	MaxAttempts      int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	ReconnectWait    time.Duration `yaml:"reconnect_wait" envconfig:"RECONNECT_WAIT"`
	MaxReconnectWait time.Duration `yaml:"max_reconnect_wait" envconfig:"MAX_RECONNECT_WAIT"`
	ReadTimeout      time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" envconfig:"DRIVER"`
	SQLitePath  string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	RedisAddr   string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPrefix string `yaml:"redis_prefix" envconfig:"REDIS_PREFIX"`
}

// NATSConfig enables the cross-process change bridge when URL is set
type NATSConfig struct {
	URL     string `yaml:"url" envconfig:"URL"`
	Subject string `yaml:"subject" envconfig:"SUBJECT"`
}

type CountdownConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval" envconfig:"TICK_INTERVAL"`
	BookingHoldMinutes int           `yaml:"booking_hold_minutes" envconfig:"BOOKING_HOLD_MINUTES"`
}

type StaleConfig struct {
	RepeatThreshold int `yaml:"repeat_threshold" envconfig:"REPEAT_THRESHOLD"`
}

type ServerConfig struct {
	Port           string   `yaml:"port" envconfig:"PORT"`
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Pretty bool   `yaml:"pretty" envconfig:"PRETTY"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		API: APIConfig{
			Timeout: 15 * time.Second,
		},
		Feeds: FeedsConfig{
			MaxAttempts:      5,
			ReconnectWait:    time.Second,
			MaxReconnectWait: 30 * time.Second,
			ReadTimeout:      90 * time.Second,
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			SQLitePath:  "queuesync.db",
			RedisPrefix: "queuesync:",
		},
		NATS: NATSConfig{
			Subject: "queuesync.kv.changes",
		},
		Countdown: CountdownConfig{
			TickInterval:       time.Second,
			BookingHoldMinutes: 15,
		},
		Stale: StaleConfig{
			RepeatThreshold: 4,
		},
		Server: ServerConfig{
			Port:           "8080",
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. A missing .env or YAML file is not an error.
func Load(path string) (Config, error) {
	// .env only seeds the process environment
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the agent cannot run with
func (c Config) Validate() error {
	var problems []string
	if c.UserID == "" {
		problems = append(problems, "user_id is required")
	}
	if c.API.BaseURL == "" {
		problems = append(problems, "api.base_url is required")
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "redis":
	default:
		problems = append(problems, fmt.Sprintf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver == "redis" && c.Storage.RedisAddr == "" {
		problems = append(problems, "storage.redis_addr is required for the redis driver")
	}
	if c.Stale.RepeatThreshold < 2 {
		problems = append(problems, "stale.repeat_threshold must be at least 2")
	}
	if c.Feeds.QueueURL == "" {
		problems = append(problems, "feeds.queue_url is required")
	}
	if c.Feeds.TelemetryURL == "" {
		problems = append(problems, "feeds.telemetry_url is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// QueueFeedURL expands the queue feed template for one subject and resource
func (f FeedsConfig) QueueFeedURL(subjectID, resourceID string) string {
	return strings.NewReplacer("{subject}", subjectID, "{resource}", resourceID).Replace(f.QueueURL)
}

// TelemetryFeedURL expands the telemetry template for one session
func (f FeedsConfig) TelemetryFeedURL(sessionID string) string {
	return strings.ReplaceAll(f.TelemetryURL, "{session}", sessionID)
}
