// Package config loads the bot settings from built-in defaults, an optional
// YAML file and the environment, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// GenerateMaxBackoff caps the pause between two option generation attempts
const GenerateMaxBackoff = 30 * time.Second

var (
	ErrRead    = errors.New("cannot read config")
	ErrInvalid = errors.New("invalid config")
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LLMConfig struct {
	BaseURL               string `yaml:"base_url"`
	APIKey                string `yaml:"api_key"`
	Model                 string `yaml:"model"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

type PollConfig struct {
	TTLSeconds            int `yaml:"ttl_seconds"`
	CheckIntervalSeconds  int `yaml:"check_interval_seconds"`
	TallyRetentionSeconds int `yaml:"tally_retention_seconds"`
	ResolveTimeoutSeconds int `yaml:"resolve_timeout_seconds"`
	MinOptions            int `yaml:"min_options"`
	MaxOptions            int `yaml:"max_options"`
	GenerateAttempts      int `yaml:"generate_attempts"`
}

type Config struct {
	TelegramToken string      `yaml:"telegram_bot_token"`
	DatabaseType  string      `yaml:"database_type"`
	DatabaseDSN   string      `yaml:"database_dsn"`
	Redis         RedisConfig `yaml:"redis"`
	LLM           LLMConfig   `yaml:"llm"`
	Poll          PollConfig  `yaml:"poll"`
	// HealthAddr is the listen address of the status endpoint, empty disables it
	HealthAddr string `yaml:"health_addr"`
}

func Default() Config {
	return Config{
		DatabaseType: "sqlite",
		DatabaseDSN:  "data.sqlite",
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		LLM: LLMConfig{
			RequestTimeoutSeconds: 60,
		},
		Poll: PollConfig{
			TTLSeconds:            600,
			CheckIntervalSeconds:  30,
			TallyRetentionSeconds: 86400,
			ResolveTimeoutSeconds: 480,
			MinOptions:            2,
			MaxOptions:            10,
			GenerateAttempts:      5,
		},
	}
}

// Load builds the config. An empty path skips the file, empty variables
// are treated as unset.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRead, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRead, path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"TELEGRAM_BOT_TOKEN": &cfg.TelegramToken,
		"DATABASE_TYPE":      &cfg.DatabaseType,
		"DATABASE_DSN":       &cfg.DatabaseDSN,
		"REDIS_ADDR":         &cfg.Redis.Addr,
		"REDIS_USERNAME":     &cfg.Redis.Username,
		"REDIS_PASSWORD":     &cfg.Redis.Password,
		"LLM_PROXY_BASE_URL": &cfg.LLM.BaseURL,
		"LLM_PROXY_API_KEY":  &cfg.LLM.APIKey,
		"LLM_MODEL":          &cfg.LLM.Model,
		"HEALTH_ADDR":        &cfg.HealthAddr,
	}
	for key, dst := range strs {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	ints := map[string]*int{
		"REDIS_DB":              &cfg.Redis.DB,
		"LLM_REQUEST_TIMEOUT":   &cfg.LLM.RequestTimeoutSeconds,
		"POLL_TTL":              &cfg.Poll.TTLSeconds,
		"WORKER_CHECK_INTERVAL": &cfg.Poll.CheckIntervalSeconds,
		"TALLY_RETENTION":       &cfg.Poll.TallyRetentionSeconds,
		"RESOLVE_TIMEOUT":       &cfg.Poll.ResolveTimeoutSeconds,
		"POLL_MIN_OPTIONS":      &cfg.Poll.MinOptions,
		"POLL_MAX_OPTIONS":      &cfg.Poll.MaxOptions,
		"GENERATE_ATTEMPTS":     &cfg.Poll.GenerateAttempts,
	}
	var errs []error
	for key, dst := range ints {
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q is not an integer", key, val))
			continue
		}
		*dst = n
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	if c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("LLM_PROXY_BASE_URL is required"))
	}
	if c.DatabaseType != "sqlite" && c.DatabaseType != "postgres" {
		errs = append(errs, fmt.Errorf("unknown database type %q", c.DatabaseType))
	}
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("database DSN is empty"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis address is empty"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, errors.New("redis db must not be negative"))
	}

	positive := map[string]int{
		"LLM_REQUEST_TIMEOUT":   c.LLM.RequestTimeoutSeconds,
		"WORKER_CHECK_INTERVAL": c.Poll.CheckIntervalSeconds,
		"TALLY_RETENTION":       c.Poll.TallyRetentionSeconds,
		"RESOLVE_TIMEOUT":       c.Poll.ResolveTimeoutSeconds,
		"GENERATE_ATTEMPTS":     c.Poll.GenerateAttempts,
	}
	for key, val := range positive {
		if val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, val))
		}
	}
	// a resolution must be able to outlast every generation attempt, or the
	// next poll is never created
	if c.LLM.RequestTimeoutSeconds > 0 && c.Poll.GenerateAttempts > 0 &&
		c.Poll.ResolveTimeout() < c.GenerationBudget() {
		errs = append(errs, fmt.Errorf("RESOLVE_TIMEOUT %ds is shorter than the generation budget %s",
			c.Poll.ResolveTimeoutSeconds, c.GenerationBudget()))
	}
	if c.Poll.TTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("POLL_TTL must not be negative, got %d", c.Poll.TTLSeconds))
	}

	// Telegram polls take 2 to 10 options
	if c.Poll.MinOptions < 2 {
		errs = append(errs, fmt.Errorf("POLL_MIN_OPTIONS must be at least 2, got %d", c.Poll.MinOptions))
	}
	if c.Poll.MaxOptions > 10 {
		errs = append(errs, fmt.Errorf("POLL_MAX_OPTIONS must be at most 10, got %d", c.Poll.MaxOptions))
	}
	if c.Poll.MinOptions > c.Poll.MaxOptions {
		errs = append(errs, fmt.Errorf("POLL_MIN_OPTIONS %d exceeds POLL_MAX_OPTIONS %d", c.Poll.MinOptions, c.Poll.MaxOptions))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// GenerationBudget is the longest time option generation may take: every
// attempt runs into the request timeout and the longest backoff
func (c *Config) GenerationBudget() time.Duration {
	return time.Duration(c.Poll.GenerateAttempts) * (c.LLM.RequestTimeout() + GenerateMaxBackoff)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (p PollConfig) TTL() time.Duration            { return seconds(p.TTLSeconds) }
func (p PollConfig) CheckInterval() time.Duration  { return seconds(p.CheckIntervalSeconds) }
func (p PollConfig) TallyRetention() time.Duration { return seconds(p.TallyRetentionSeconds) }
func (p PollConfig) ResolveTimeout() time.Duration { return seconds(p.ResolveTimeoutSeconds) }
func (l LLMConfig) RequestTimeout() time.Duration  { return seconds(l.RequestTimeoutSeconds) }
