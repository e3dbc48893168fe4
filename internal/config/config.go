// Package config loads the service configuration from conf/<env>/conf.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Env        string     `yaml:"-"`
	HTTP       HTTP       `yaml:"http"`
	Postgres   Postgres   `yaml:"postgres"`
	Redis      Redis      `yaml:"redis"`
	Kafka      Kafka      `yaml:"kafka"`
	Matching   Matching   `yaml:"matching"`
	Settlement Settlement `yaml:"settlement"`
	Log        Log        `yaml:"log"`
}

type HTTP struct {
	Address        string   `yaml:"address" validate:"nonzero"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Postgres struct {
	DSN     string `yaml:"dsn" validate:"nonzero"`
	Migrate bool   `yaml:"migrate"`
}

// Redis is optional; an empty address disables the order book cache
type Redis struct {
	Address  string        `yaml:"address"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"min=0"`
	TTL      time.Duration `yaml:"ttl"`
}

// Kafka is optional; no brokers disables trade events
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Matching struct {
	BatchSize     int           `yaml:"batch_size" validate:"min=1"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=1"`
	MatchTimeout  time.Duration `yaml:"match_timeout"`
	PriceRule     string        `yaml:"price_rule" validate:"regexp=^(sell|resting)?$"`
	Workers       int           `yaml:"workers" validate:"min=1"`
	MaxReruns     int           `yaml:"max_reruns" validate:"min=0"`
}

type Settlement struct {
	Timeout       time.Duration `yaml:"timeout" validate:"min=1"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	RetryBatch    int           `yaml:"retry_batch" validate:"min=0"`
	PendingGrace  time.Duration `yaml:"pending_grace" validate:"min=0"`
}

type Log struct {
	Level      string `yaml:"level" validate:"regexp=^(debug|info|warn|error)?$"`
	Format     string `yaml:"format" validate:"regexp=^(json|console)?$"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// Env returns the deployment environment named by GO_ENV, "test" by default
func Env() string {
	if e := os.Getenv("GO_ENV"); e != "" {
		return e
	}
	return "test"
}

// Path returns the config file for the current environment
func Path() string {
	return filepath.Join("conf", Env(), "conf.yaml")
}

// Load reads a .env file if present, then the YAML file at path, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.Env = Env()
	return cfg, nil
}

// Parse decodes and validates a YAML document
func Parse(content []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTP:  HTTP{Address: ":8080"},
		Redis: Redis{TTL: 2 * time.Second},
		Kafka: Kafka{Topic: "tokenex.trades"},
		Matching: Matching{
			BatchSize:     100,
			SweepInterval: time.Second,
			MatchTimeout:  10 * time.Second,
			PriceRule:     "sell",
			Workers:       8,
			MaxReruns:     10,
		},
		Settlement: Settlement{
			Timeout:       5 * time.Second,
			RetryInterval: 30 * time.Second,
			RetryBatch:    100,
			PendingGrace:  30 * time.Second,
		},
		Log: Log{Level: "info", Format: "json", MaxSize: 100, MaxBackups: 5, MaxAge: 28},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TOKENEX_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("TOKENEX_REDIS_ADDR"); v != "" {
		c.Redis.Address = v
	}
	if v := os.Getenv("TOKENEX_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
}
