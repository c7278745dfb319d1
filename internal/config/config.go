// Package config handles loading and validating service configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix marks environment variables that override config keys.
const envPrefix = "LLMAPI_"

// CredentialEnv is the variable consulted when model.api_key is left empty.
const CredentialEnv = "GOOGLE_API_KEY"

// Config is the top-level configuration for the llmapi service.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Model   ModelConfig   `koanf:"model"`
	Prompts PromptsConfig `koanf:"prompts"`
	Log     LogConfig     `koanf:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ModelConfig holds the settings for the backing Gemini model.
type ModelConfig struct {
	Name    string `koanf:"name"`
	Backend string `koanf:"backend"` // "rest" or "genai"
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
}

// PromptsConfig holds the built-in persona texts used when a caller does not
// send its own system_prompt.
type PromptsConfig struct {
	Interviewer         string `koanf:"interviewer"`
	Evaluator           string `koanf:"evaluator"`
	QuestionInstruction string `koanf:"question_instruction"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Supported model backends.
const (
	BackendREST  = "rest"
	BackendGenAI = "genai"
)

// Load reads configuration from built-in defaults, an optional YAML file and
// environment variable overrides, in that order, and returns a fully
// populated Config.
//
// A missing file at path is not an error: the service runs on defaults plus
// environment.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	}

	// LLMAPI_SERVER_PORT -> server.port. Only the first underscore after a
	// section name splits, so LLMAPI_MODEL_BASE_URL -> model.base_url.
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Model.APIKey = resolveCredential(cfg.Model.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps an environment variable name onto a koanf key path.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, rest, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	return section + "." + rest
}

// resolveCredential expands a ${VAR} placeholder and falls back to
// CredentialEnv when nothing was configured. An empty result is allowed:
// the client factory reports it per request.
func resolveCredential(key string) string {
	if strings.HasPrefix(key, "${") && strings.HasSuffix(key, "}") {
		key = os.Getenv(key[2 : len(key)-1])
	}
	if key == "" {
		key = os.Getenv(CredentialEnv)
	}
	return key
}

// Validate checks settings that would otherwise fail at request time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Model.Name == "" {
		return errors.New("model.name must not be empty")
	}
	switch c.Model.Backend {
	case BackendREST, BackendGenAI:
	default:
		return fmt.Errorf("unknown model.backend %q", c.Model.Backend)
	}
	return nil
}
