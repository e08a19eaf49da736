package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
}

// DispatchConfig carries the dispatch tunables. The offer protocol treats
// these as configuration with documented defaults, not constants.
type DispatchConfig struct {
	// OfferExpiry bounds how long a farmer may sit on an open offer.
	OfferExpiry time.Duration `yaml:"offer_expiry"`
	// PresenceRetries / PresenceBackoff bound retries of transient presence
	// lookup failures before a candidate is treated as unreachable.
	PresenceRetries int           `yaml:"presence_retries"`
	PresenceBackoff time.Duration `yaml:"presence_backoff"`
	// Ranking weights.
	CityMatchBonus    float64 `yaml:"city_match_bonus"`
	DistanceDecayKm   float64 `yaml:"distance_decay_km"`
	ReliabilityWeight float64 `yaml:"reliability_weight"`
	// PublishBuffer is the size of the at-least-once retry buffer.
	PublishBuffer int `yaml:"publish_buffer"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

func defaults() Config {
	return Config{
		Database: DatabaseConfig{Port: 5432, SSLMode: "disable"},
		RabbitMQ: RabbitMQConfig{Port: 5672, VHost: "/"},
		Dispatch: DispatchConfig{
			OfferExpiry:       2 * time.Minute,
			PresenceRetries:   3,
			PresenceBackoff:   200 * time.Millisecond,
			CityMatchBonus:    1000,
			DistanceDecayKm:   50,
			ReliabilityWeight: 10,
			PublishBuffer:     256,
		},
		HTTP: HTTPConfig{Port: 3002},
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database.Host == "" || c.Database.User == "" || c.Database.Database == "" {
		return fmt.Errorf("config: database host/user/database are required")
	}
	if c.RabbitMQ.Host == "" || c.RabbitMQ.User == "" {
		return fmt.Errorf("config: rabbitmq host/user are required")
	}
	if c.Dispatch.OfferExpiry <= 0 {
		return fmt.Errorf("config: dispatch.offer_expiry must be positive")
	}
	if c.Dispatch.PresenceRetries < 0 {
		return fmt.Errorf("config: dispatch.presence_retries must not be negative")
	}
	return nil
}
