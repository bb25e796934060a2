package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"TELEGRAM_BOT_TOKEN", "DATABASE_TYPE", "DATABASE_DSN",
	"REDIS_ADDR", "REDIS_USERNAME", "REDIS_PASSWORD", "REDIS_DB",
	"LLM_PROXY_BASE_URL", "LLM_PROXY_API_KEY", "LLM_MODEL", "LLM_REQUEST_TIMEOUT",
	"POLL_TTL", "WORKER_CHECK_INTERVAL", "TALLY_RETENTION", "RESOLVE_TIMEOUT",
	"POLL_MIN_OPTIONS", "POLL_MAX_OPTIONS", "GENERATE_ATTEMPTS", "HEALTH_ADDR",
}

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func requiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("LLM_PROXY_BASE_URL", "http://llm.local/v1/responses")
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)
	requiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, "data.sqlite", cfg.DatabaseDSN)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 60*time.Second, cfg.LLM.RequestTimeout())
	assert.Equal(t, 10*time.Minute, cfg.Poll.TTL())
	assert.Equal(t, 30*time.Second, cfg.Poll.CheckInterval())
	assert.Equal(t, 24*time.Hour, cfg.Poll.TallyRetention())
	assert.Equal(t, 8*time.Minute, cfg.Poll.ResolveTimeout())
	assert.GreaterOrEqual(t, cfg.Poll.ResolveTimeout(), cfg.GenerationBudget())
	assert.Equal(t, 2, cfg.Poll.MinOptions)
	assert.Equal(t, 10, cfg.Poll.MaxOptions)
	assert.Equal(t, 5, cfg.Poll.GenerateAttempts)
	assert.Empty(t, cfg.HealthAddr)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolateEnv(t)
	requiredEnv(t)
	t.Setenv("DATABASE_TYPE", "postgres")
	t.Setenv("DATABASE_DSN", "host=db user=bot")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("POLL_TTL", "90")
	t.Setenv("POLL_MAX_OPTIONS", "4")
	t.Setenv("HEALTH_ADDR", ":8080")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DatabaseType)
	assert.Equal(t, "host=db user=bot", cfg.DatabaseDSN)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 90*time.Second, cfg.Poll.TTL())
	assert.Equal(t, 4, cfg.Poll.MaxOptions)
	assert.Equal(t, ":8080", cfg.HealthAddr)
}

func TestLoadFileThenEnv(t *testing.T) {
	isolateEnv(t)
	path := writeFile(t, `
telegram_bot_token: "from-file"
llm:
  base_url: http://file.local
  model: small
poll:
  ttl_seconds: 300
  min_options: 3
redis:
  addr: file-redis:6379
`)
	t.Setenv("POLL_TTL", "120")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.TelegramToken)
	assert.Equal(t, "http://file.local", cfg.LLM.BaseURL)
	assert.Equal(t, "small", cfg.LLM.Model)
	assert.Equal(t, 2*time.Minute, cfg.Poll.TTL())
	assert.Equal(t, 3, cfg.Poll.MinOptions)
	assert.Equal(t, "file-redis:6379", cfg.Redis.Addr)
	// untouched by the file
	assert.Equal(t, 10, cfg.Poll.MaxOptions)
}

func TestLoadEmptyFile(t *testing.T) {
	isolateEnv(t)
	requiredEnv(t)

	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Poll, cfg.Poll)
}

func TestLoadFileErrors(t *testing.T) {
	isolateEnv(t)
	requiredEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrRead)

	_, err = Load(writeFile(t, "poll: [not, a, map]"))
	assert.ErrorIs(t, err, ErrRead)

	_, err = Load(writeFile(t, "unknown_setting: 1"))
	assert.ErrorIs(t, err, ErrRead)
}

func TestGenerationBudget(t *testing.T) {
	isolateEnv(t)
	requiredEnv(t)
	t.Setenv("GENERATE_ATTEMPTS", "2")
	t.Setenv("LLM_REQUEST_TIMEOUT", "10")
	t.Setenv("RESOLVE_TIMEOUT", "80")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 80*time.Second, cfg.GenerationBudget())
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing token", env: map[string]string{"TELEGRAM_BOT_TOKEN": ""}},
		{name: "missing llm url", env: map[string]string{"LLM_PROXY_BASE_URL": ""}},
		{name: "not a number", env: map[string]string{"POLL_TTL": "ten minutes"}},
		{name: "unknown database", env: map[string]string{"DATABASE_TYPE": "mysql"}},
		{name: "single option polls", env: map[string]string{"POLL_MIN_OPTIONS": "1"}},
		{name: "too many options", env: map[string]string{"POLL_MAX_OPTIONS": "11"}},
		{name: "min above max", env: map[string]string{"POLL_MIN_OPTIONS": "6", "POLL_MAX_OPTIONS": "5"}},
		{name: "zero interval", env: map[string]string{"WORKER_CHECK_INTERVAL": "0"}},
		{name: "negative ttl", env: map[string]string{"POLL_TTL": "-1"}},
		{name: "no attempts", env: map[string]string{"GENERATE_ATTEMPTS": "0"}},
		{name: "resolve shorter than generation", env: map[string]string{"RESOLVE_TIMEOUT": "120"}},
		{name: "slow llm outlasts resolve", env: map[string]string{"LLM_REQUEST_TIMEOUT": "120"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			requiredEnv(t)
			for key, val := range tt.env {
				t.Setenv(key, val)
			}

			_, err := Load("")
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
