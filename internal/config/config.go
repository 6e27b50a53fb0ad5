// Package config resolves process configuration from an optional YAML file
// plus the recognized environment keys. Environment wins over file values.
package config

import (
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Trust        TrustConfig        `yaml:"trust"`
	Relationship RelationshipConfig `yaml:"relationship"`
	Reflex       ReflexConfig       `yaml:"reflex"`
	L1           L1Config           `yaml:"l1"`
	Briefing     BriefingConfig     `yaml:"briefing"`
	Host         HostConfig         `yaml:"host"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	// Driver selects the storage backend: "postgres", "supabase" or "memory".
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"` // empty disables the Redis event-bus mirror
}

type TrustConfig struct {
	Weights          TrustWeights `yaml:"weights"`
	MonthlyDecay     float64      `yaml:"monthly_decay"`
	WitnessDampening float64      `yaml:"witness_dampening"`
}

type TrustWeights struct {
	Q float64 `yaml:"q"`
	H float64 `yaml:"h"`
	N float64 `yaml:"n"`
	W float64 `yaml:"w"`
}

type RelationshipConfig struct {
	HalfLifeDays float64 `yaml:"half_life_days"`
}

type ReflexConfig struct {
	HardMaxMessagesPerHour int `yaml:"hard_max_messages_per_hour"`
}

type L1Config struct {
	BatchSize int   `yaml:"batch_size"`
	MaxWaitMs int64 `yaml:"max_wait_ms"`
}

type BriefingConfig struct {
	CarapaceStaleDays        int     `yaml:"carapace_stale_days"`
	MonotonyThreshold        float64 `yaml:"monotony_threshold"`
	GroomRepetitionThreshold float64 `yaml:"groom_repetition_threshold"`
}

type HostConfig struct {
	// Type selects the notifier implementation: "noop" or "openclaw".
	Type          string `yaml:"type"`
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", Env: "development"},
		Database: DatabaseConfig{Driver: "memory"},
		Trust: TrustConfig{
			Weights:          TrustWeights{Q: 0.25, H: 0.40, N: 0.20, W: 0.15},
			MonthlyDecay:     0.99,
			WitnessDampening: 0.9,
		},
		Relationship: RelationshipConfig{HalfLifeDays: 7},
		Reflex:       ReflexConfig{HardMaxMessagesPerHour: 20},
		L1:           L1Config{BatchSize: 10, MaxWaitMs: 600000},
		Briefing: BriefingConfig{
			CarapaceStaleDays:        60,
			MonotonyThreshold:        0.90,
			GroomRepetitionThreshold: 0.85,
		},
		Host: HostConfig{Type: "noop"},
	}
}

// Load reads the YAML file (if path is non-empty), then applies environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.Server.Port, "PORT")
	envStr(&c.Database.Driver, "DB_DRIVER")
	envStr(&c.Database.URL, "DATABASE_URL")
	envStr(&c.Redis.Addr, "REDIS_ADDR")
	envStr(&c.Host.Type, "HOST_TYPE")
	envStr(&c.Host.WebhookURL, "OPENCLAW_WEBHOOK_URL")
	envStr(&c.Host.WebhookSecret, "OPENCLAW_WEBHOOK_SECRET")

	envInt(&c.Reflex.HardMaxMessagesPerHour, "HARD_MAX_MESSAGES_PER_HOUR")
	envInt(&c.L1.BatchSize, "L1_BATCH_SIZE")
	envInt64(&c.L1.MaxWaitMs, "L1_MAX_WAIT_MS")
	envInt(&c.Briefing.CarapaceStaleDays, "CARAPACE_STALE_DAYS")
	envFloat(&c.Briefing.MonotonyThreshold, "MONOTONY_THRESHOLD")
	envFloat(&c.Briefing.GroomRepetitionThreshold, "GROOM_REPETITION_THRESHOLD")
	envFloat(&c.Trust.MonthlyDecay, "TRUST_MONTHLY_DECAY")
	envFloat(&c.Relationship.HalfLifeDays, "RELATIONSHIP_HALFLIFE_DAYS")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
