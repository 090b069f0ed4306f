package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("TAPESTRY_TEST_HOST", "db.example.com")
	t.Setenv("TAPESTRY_TEST_PORT", "5432")

	data := map[string]interface{}{
		"host":    "${TAPESTRY_TEST_HOST}",
		"port":    "$TAPESTRY_TEST_PORT",
		"name":    "${TAPESTRY_TEST_MISSING:-tapestry}",
		"literal": "8000",
		"nested": map[string]interface{}{
			"url": "http://${TAPESTRY_TEST_HOST}/v1",
		},
		"list": []interface{}{"${TAPESTRY_TEST_HOST}", 42},
	}

	expanded, ok := ExpandEnvVarsInData(data).(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, "db.example.com", expanded["host"])
	assert.Equal(t, 5432, expanded["port"], "expanded numerics are coerced")
	assert.Equal(t, "tapestry", expanded["name"], "default applies when unset")
	assert.Equal(t, "8000", expanded["literal"], "untouched strings keep their type")

	nested := expanded["nested"].(map[string]interface{})
	assert.Equal(t, "http://db.example.com/v1", nested["url"])

	list := expanded["list"].([]interface{})
	assert.Equal(t, "db.example.com", list[0])
	assert.Equal(t, 42, list[1])
}

func TestExpandEnvVarsCoercion(t *testing.T) {
	assert.Equal(t, true, ExpandEnvVarsInData("${TAPESTRY_TEST_UNSET:-true}"))
	assert.Equal(t, false, ExpandEnvVarsInData("${TAPESTRY_TEST_UNSET:-FALSE}"))
	assert.Equal(t, 1.5, ExpandEnvVarsInData("${TAPESTRY_TEST_UNSET:-1.5}"))
	assert.Equal(t, "hello", ExpandEnvVarsInData("${TAPESTRY_TEST_UNSET:-hello}"))
}

func TestExpandEnvVarsSetBeatsDefault(t *testing.T) {
	t.Setenv("TAPESTRY_TEST_LEVEL", "debug")
	assert.Equal(t, "debug", ExpandEnvVarsInData("${TAPESTRY_TEST_LEVEL:-info}"))
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/.env", []byte("TAPESTRY_DOTENV_VAR=from_env\nTAPESTRY_DOTENV_ONLY=solo\n"), 0o644))
	require.NoError(t, os.WriteFile(dir+"/.env.local", []byte("TAPESTRY_DOTENV_VAR=from_local\n"), 0o644))
	t.Chdir(dir)

	// Register restoration, then clear so godotenv actually sets them.
	t.Setenv("TAPESTRY_DOTENV_VAR", "x")
	t.Setenv("TAPESTRY_DOTENV_ONLY", "x")
	os.Unsetenv("TAPESTRY_DOTENV_VAR")
	os.Unsetenv("TAPESTRY_DOTENV_ONLY")

	require.NoError(t, LoadEnvFiles())
	assert.Equal(t, "from_local", os.Getenv("TAPESTRY_DOTENV_VAR"), ".env.local wins over .env")
	assert.Equal(t, "solo", os.Getenv("TAPESTRY_DOTENV_ONLY"))
}

func TestLoadEnvFilesMissingIsFine(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, LoadEnvFiles())
}

func TestGetProviderAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("ANTHROPIC_API_KEY", "sk-anthropic")
	t.Setenv("GEMINI_API_KEY", "sk-gemini")

	assert.Equal(t, "sk-openai", GetProviderAPIKey("openai"))
	assert.Equal(t, "sk-anthropic", GetProviderAPIKey("anthropic"))
	assert.Equal(t, "sk-gemini", GetProviderAPIKey("gemini"))
	assert.Empty(t, GetProviderAPIKey("cohere"))
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_URL", "https://orchestrator.example.com")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DB_PATH", "/var/lib/tapestry/threads.db")
	t.Setenv("LLM_MODEL", "gpt-4.1")
	t.Setenv("LLM_TEMPERATURE", "0.7")
	t.Setenv("LLM_TIMEOUT", "90s")
	t.Setenv("LLM_RECURSION_LIMIT", "9")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("DEBUG_MODE", "")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "https://orchestrator.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.Equal(t, "/var/lib/tapestry/threads.db", cfg.Store.Path)
	assert.Equal(t, "gpt-4.1", cfg.LLM.Model)
	require.NotNil(t, cfg.LLM.Temperature)
	assert.Equal(t, 0.7, *cfg.LLM.Temperature)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 9, cfg.LLM.RecursionLimit)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey, "provider key comes from the environment")
}

func TestApplyEnvOverridesKeepsExplicitKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg := Default()
	cfg.LLM.APIKey = "sk-file"
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "sk-file", cfg.LLM.APIKey)
}

func TestApplyEnvOverridesDebugMode(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DEBUG_MODE", "true")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestApplyEnvOverridesIgnoresMalformed(t *testing.T) {
	t.Setenv("LLM_TEMPERATURE", "hot")
	t.Setenv("LLM_RECURSION_LIMIT", "lots")
	t.Setenv("LLM_TIMEOUT", "soon")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Nil(t, cfg.LLM.Temperature)
	assert.Zero(t, cfg.LLM.RecursionLimit)
	assert.Zero(t, cfg.LLM.Timeout)
}

func TestParseDurationOrSeconds(t *testing.T) {
	d, err := parseDurationOrSeconds("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = parseDurationOrSeconds("2m")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	d, err = parseDurationOrSeconds("45")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	_, err = parseDurationOrSeconds("soon")
	require.Error(t, err)
}
