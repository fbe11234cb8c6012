// Package config loads the lounge configuration from defaults, an optional
// YAML file, a .env file and LOUNGE_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "LOUNGE"

var ErrNoCredentials = errors.New("no generation credentials configured")

type OpenAI struct {
	Keys        []string `mapstructure:"keys"`
	Model       string   `mapstructure:"model"`
	BaseURL     string   `mapstructure:"base_url"`
	MaxTokens   int      `mapstructure:"max_tokens"`
	Temperature float32  `mapstructure:"temperature"`
}

type Store struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

type NATS struct {
	URL string `mapstructure:"url"`
	// Embedded starts an in-process server on Port and ignores URL.
	Embedded bool `mapstructure:"embedded"`
	Port     int  `mapstructure:"port"`
}

type Placement struct {
	Interval        time.Duration `mapstructure:"interval"`
	RoomCapDivisor  float64       `mapstructure:"room_cap_divisor"`
	MaxRooms        int           `mapstructure:"max_rooms"`
	ExhaustionPause time.Duration `mapstructure:"exhaustion_pause"`
	Concurrency     int           `mapstructure:"concurrency"`
}

type Conversation struct {
	TurnCooldown      time.Duration `mapstructure:"turn_cooldown"`
	TurnTimeout       time.Duration `mapstructure:"turn_timeout"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
	MaxHistory        int           `mapstructure:"max_history"`
}

type Autonomy struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	ActionCooldown    time.Duration `mapstructure:"action_cooldown"`
	MaxConcurrent     int64         `mapstructure:"max_concurrent"`
	VisitDuration     time.Duration `mapstructure:"visit_duration"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	WeightVisit       float64       `mapstructure:"weight_visit"`
	WeightMessage     float64       `mapstructure:"weight_message"`
	WeightResearch    float64       `mapstructure:"weight_research"`
	Trending          []string      `mapstructure:"trending"`
	SearchesPerMinute float64       `mapstructure:"searches_per_minute"`
}

// Pause configures the scheduled active/cooldown cycle. A zero Active
// disables it.
type Pause struct {
	Active   time.Duration `mapstructure:"active"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	Retry    time.Duration `mapstructure:"retry"`
}

type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	HTTPAddr  string `mapstructure:"http_addr"`
	// SeedDefaults registers the built-in personas when the store is empty.
	SeedDefaults bool   `mapstructure:"seed_defaults"`
	SerpAPIKey   string `mapstructure:"serp_api_key"`

	OpenAI       OpenAI       `mapstructure:"openai"`
	Store        Store        `mapstructure:"store"`
	NATS         NATS         `mapstructure:"nats"`
	Placement    Placement    `mapstructure:"placement"`
	Conversation Conversation `mapstructure:"conversation"`
	Autonomy     Autonomy     `mapstructure:"autonomy"`
	Pause        Pause        `mapstructure:"pause"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("http_addr", ":3000")
	v.SetDefault("seed_defaults", true)
	v.SetDefault("serp_api_key", "")

	v.SetDefault("openai.keys", []string{})
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.max_tokens", 400)
	v.SetDefault("openai.temperature", 0.8)

	v.SetDefault("store.dir", "./data/lounge")
	v.SetDefault("store.in_memory", false)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.port", 4222)

	v.SetDefault("placement.interval", 5*time.Second)
	v.SetDefault("placement.room_cap_divisor", 1.8)
	v.SetDefault("placement.max_rooms", 0)
	v.SetDefault("placement.exhaustion_pause", 2*time.Minute)
	v.SetDefault("placement.concurrency", 8)

	v.SetDefault("conversation.turn_cooldown", 10*time.Second)
	v.SetDefault("conversation.turn_timeout", 30*time.Second)
	v.SetDefault("conversation.rate_limit_cooldown", time.Minute)
	v.SetDefault("conversation.max_history", 20)

	v.SetDefault("autonomy.enabled", true)
	v.SetDefault("autonomy.interval", 30*time.Second)
	v.SetDefault("autonomy.batch_size", 5)
	v.SetDefault("autonomy.action_cooldown", 10*time.Minute)
	v.SetDefault("autonomy.max_concurrent", 4)
	v.SetDefault("autonomy.visit_duration", 30*time.Minute)
	v.SetDefault("autonomy.generation_timeout", time.Minute)
	v.SetDefault("autonomy.weight_visit", 0.6)
	v.SetDefault("autonomy.weight_message", 0.3)
	v.SetDefault("autonomy.weight_research", 0.1)
	v.SetDefault("autonomy.trending", []string{})
	v.SetDefault("autonomy.searches_per_minute", 10.0)

	v.SetDefault("pause.active", time.Duration(0))
	v.SetDefault("pause.cooldown", 10*time.Minute)
	v.SetDefault("pause.retry", 30*time.Second)
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are reported but the variables already set are kept.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads the configuration. file may be empty, in which case only
// defaults and the environment apply.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.OpenAI.Keys = cleanKeys(cfg.OpenAI.Keys)
	if len(cfg.OpenAI.Keys) == 0 {
		cfg.OpenAI.Keys = cleanKeys([]string{os.Getenv("OPENAI_API_KEY")})
	}
	if cfg.SerpAPIKey == "" {
		cfg.SerpAPIKey = os.Getenv("SERP_API_KEY")
	}
	return &cfg, nil
}

// Validate reports configuration that makes the director unusable.
func (c *Config) Validate() error {
	if len(c.OpenAI.Keys) == 0 {
		return ErrNoCredentials
	}
	if c.Placement.Interval <= 0 {
		return fmt.Errorf("placement.interval must be positive, got %s", c.Placement.Interval)
	}
	if c.Autonomy.Enabled && c.Autonomy.Interval <= 0 {
		return fmt.Errorf("autonomy.interval must be positive, got %s", c.Autonomy.Interval)
	}
	if !c.Store.InMemory && c.Store.Dir == "" {
		return errors.New("store.dir is required unless store.in_memory is set")
	}
	return nil
}

// cleanKeys accepts comma separated entries so a single environment
// variable can carry several keys.
func cleanKeys(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, k := range strings.Split(entry, ",") {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
	}
	return out
}
