package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zlnvch/veiltrade/groupcrypt"
	"github.com/zlnvch/veiltrade/relay"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DevMode  bool           `yaml:"dev_mode"`
	Server   ServerConfig   `yaml:"server"`
	Relays   RelayConfig    `yaml:"relays"`
	Privacy  PrivacyConfig  `yaml:"privacy"`
	Session  SessionConfig  `yaml:"session"`
	Deals    DealsConfig    `yaml:"deals"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Origin allowed to open the live feed websocket.
	AllowedOrigin string `yaml:"allowed_origin"`
	// How often the live feed polls the relays for each connection.
	FeedPollInterval time.Duration `yaml:"feed_poll_interval"`
}

type RelayConfig struct {
	URLs []string `yaml:"urls"`
	// "ws" dials the relays, "memory" keeps everything in process.
	Backend            string        `yaml:"backend"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
	QueryTimeout       time.Duration `yaml:"query_timeout"`
	PublishesPerSecond float64       `yaml:"publishes_per_second"`
	PublishBurst       int           `yaml:"publish_burst"`
}

type PrivacyConfig struct {
	// "separated" or "legacy"
	KeyMode             string  `yaml:"key_mode"`
	NotificationPadSize int     `yaml:"notification_pad_size"`
	NotifyMaxDelay      float64 `yaml:"notify_max_delay"`
}

type SessionConfig struct {
	Store         string        `yaml:"store"`
	RedisEndpoint string        `yaml:"redis_endpoint"`
	StoreSecret   string        `yaml:"store_secret"`
	TTL           time.Duration `yaml:"ttl"`
	// base64 encoded
	JWTSecret string `yaml:"jwt_secret"`
}

type DealsConfig struct {
	Store          string `yaml:"store"`
	DynamoEndpoint string `yaml:"dynamodb_endpoint"`
	Table          string `yaml:"table"`
}

type DispatchConfig struct {
	// "timer" publishes from this process, "sqs" goes through the delay queue.
	Mode        string `yaml:"mode"`
	SQSEndpoint string `yaml:"sqs_endpoint"`
	Queue       string `yaml:"queue"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8080,
			FeedPollInterval: 5 * time.Second,
		},
		Relays: RelayConfig{
			URLs:               []string{"wss://relay.damus.io", "wss://nos.lol"},
			Backend:            "ws",
			PublishTimeout:     5 * time.Second,
			QueryTimeout:       10 * time.Second,
			PublishesPerSecond: 10,
			PublishBurst:       20,
		},
		Privacy: PrivacyConfig{
			KeyMode:             "separated",
			NotificationPadSize: 512,
			NotifyMaxDelay:      30,
		},
		Session: SessionConfig{
			Store: "memory",
			TTL:   24 * time.Hour,
		},
		Deals: DealsConfig{
			Store: "memory",
			Table: "Veiltrade",
		},
		Dispatch: DispatchConfig{
			Mode:  "timer",
			Queue: "VeiltradeNoticeQueue",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("DEV_MODE"); v != "" {
		c.DevMode = v == "true" || v == "1"
	}

	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("ALLOWED_ORIGIN"); v != "" {
		c.Server.AllowedOrigin = v
	}
	if v := os.Getenv("FEED_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.FeedPollInterval = d
		}
	}

	if v := os.Getenv("VEILTRADE_RELAYS"); v != "" {
		c.Relays.URLs = splitList(v)
	}
	if v := os.Getenv("RELAY_BACKEND"); v != "" {
		c.Relays.Backend = v
	}
	if v := os.Getenv("PUBLISH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Relays.PublishTimeout = d
		}
	}
	if v := os.Getenv("QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Relays.QueryTimeout = d
		}
	}

	if v := os.Getenv("KEY_MODE"); v != "" {
		c.Privacy.KeyMode = v
	}
	if v := os.Getenv("NOTIFICATION_PAD_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Privacy.NotificationPadSize = n
		}
	}
	if v := os.Getenv("NOTIFY_MAX_DELAY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Privacy.NotifyMaxDelay = f
		}
	}

	if v := os.Getenv("SESSION_STORE"); v != "" {
		c.Session.Store = v
	}
	if v := os.Getenv("REDIS_ENDPOINT"); v != "" {
		c.Session.RedisEndpoint = v
	}
	if v := os.Getenv("STORE_SECRET"); v != "" {
		c.Session.StoreSecret = v
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.TTL = d
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Session.JWTSecret = v
	}

	if v := os.Getenv("DEAL_STORE"); v != "" {
		c.Deals.Store = v
	}
	if v := os.Getenv("DYNAMODB_ENDPOINT"); v != "" {
		c.Deals.DynamoEndpoint = v
	}
	if v := os.Getenv("DYNAMODB_TABLE"); v != "" {
		c.Deals.Table = v
	}

	if v := os.Getenv("DISPATCH_MODE"); v != "" {
		c.Dispatch.Mode = v
	}
	if v := os.Getenv("SQS_ENDPOINT"); v != "" {
		c.Dispatch.SQSEndpoint = v
	}
	if v := os.Getenv("SQS_QUEUE"); v != "" {
		c.Dispatch.Queue = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.FeedPollInterval < time.Second {
		return fmt.Errorf("feed_poll_interval must be at least 1s")
	}

	if _, err := relay.ValidateURLs(c.Relays.URLs); err != nil {
		return err
	}
	if c.Relays.Backend != "ws" && c.Relays.Backend != "memory" {
		return fmt.Errorf("invalid relay backend: %s (must be 'ws' or 'memory')", c.Relays.Backend)
	}
	if c.Relays.PublishTimeout <= 0 || c.Relays.QueryTimeout <= 0 {
		return fmt.Errorf("relay timeouts must be positive")
	}

	if _, err := c.KeyMode(); err != nil {
		return err
	}
	if c.Privacy.NotificationPadSize < 0 {
		return fmt.Errorf("notification_pad_size must not be negative")
	}
	if c.Privacy.NotifyMaxDelay < 0 {
		return fmt.Errorf("notify_max_delay must not be negative")
	}

	switch c.Session.Store {
	case "memory":
	case "redis":
		if c.Session.RedisEndpoint == "" {
			return fmt.Errorf("redis_endpoint is required when session store is 'redis'")
		}
		if c.Session.StoreSecret == "" {
			return fmt.Errorf("store_secret is required when session store is 'redis'")
		}
	default:
		return fmt.Errorf("invalid session store: %s (must be 'memory' or 'redis')", c.Session.Store)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if _, err := c.JWTSecret(); err != nil {
		return err
	}

	switch c.Deals.Store {
	case "memory":
	case "dynamo":
		if c.Deals.Table == "" {
			return fmt.Errorf("table is required when deal store is 'dynamo'")
		}
	default:
		return fmt.Errorf("invalid deal store: %s (must be 'memory' or 'dynamo')", c.Deals.Store)
	}

	switch c.Dispatch.Mode {
	case "timer":
	case "sqs":
		if c.Dispatch.Queue == "" {
			return fmt.Errorf("queue is required when dispatch mode is 'sqs'")
		}
	default:
		return fmt.Errorf("invalid dispatch mode: %s (must be 'timer' or 'sqs')", c.Dispatch.Mode)
	}

	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) KeyMode() (groupcrypt.Mode, error) {
	return groupcrypt.ParseMode(c.Privacy.KeyMode)
}

func (c *Config) JWTSecret() ([]byte, error) {
	if c.Session.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is required")
	}
	secret, err := base64.StdEncoding.DecodeString(c.Session.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("jwt_secret must be base64: %w", err)
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("jwt_secret must be at least 16 bytes")
	}
	return secret, nil
}
