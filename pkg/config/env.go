package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tapestry-ai/tapestry/pkg/llm"
)

// ============================================================================
// ENVIRONMENT VARIABLE EXPANSION
// ============================================================================

// Expansion forms, applied in order so ${VAR:-default} is consumed
// before the plain forms can match its inner variable.
var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// parseValue coerces an expanded string so "8000" lands in int fields
// and "true" in bool fields.
func parseValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}

	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}

	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}

	return value
}

// ExpandEnvVarsInData walks a raw config tree and expands environment
// references in every string. Values are only type-coerced when an
// expansion actually changed them, so literal strings like "8000" stay
// strings.
func ExpandEnvVarsInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		expanded := expandEnvVars(v)
		if expanded != v {
			return parseValue(expanded)
		}
		return expanded

	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, value := range v {
			result[key] = ExpandEnvVarsInData(value)
		}
		return result

	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = ExpandEnvVarsInData(item)
		}
		return result

	default:
		return v
	}
}

// ============================================================================
// PROCESS ENVIRONMENT
// ============================================================================

// LoadEnvFiles loads .env.local and .env into the process environment.
// Missing files are not an error. Existing environment variables win
// over file values.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// GetProviderAPIKey returns the conventional API key variable for a
// provider, or "" when unset.
func GetProviderAPIKey(provider string) string {
	switch provider {
	case llm.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case llm.ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case llm.ProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	default:
		return ""
	}
}

// ApplyEnvOverrides layers well-known environment variables over the
// loaded values. The environment wins over the file; CLI flags are
// applied later by the caller and win over both. Malformed numeric
// values are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ORCHESTRATOR_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.LLM.Temperature = &f
		}
	}
	if v := os.Getenv("LLM_TIMEOUT"); v != "" {
		if d, err := parseDurationOrSeconds(v); err == nil {
			c.LLM.Timeout = d
		}
	}
	if v := os.Getenv("LLM_RECURSION_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLM.RecursionLimit = n
		}
	}
	if v := os.Getenv("DEBUG_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil && b {
			c.Logger.Level = "debug"
		}
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = GetProviderAPIKey(c.LLM.Provider)
	}
}

// parseDurationOrSeconds accepts Go duration strings and bare integers
// interpreted as seconds.
func parseDurationOrSeconds(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n) * time.Second, nil
}
