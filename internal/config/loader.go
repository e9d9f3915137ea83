package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/inflo-ai/relay/internal/types"
)

// Loader handles loading configuration from files.
type Loader interface {
	Load(path string) (*Config, error)
	LoadWithDefaults(path string) (*Config, error)
}

// viperLoader implements Loader using Viper.
type viperLoader struct {
	validator Validator
}

// NewLoader creates a new Loader instance.
func NewLoader(validator Validator) Loader {
	return &viperLoader{
		validator: validator,
	}
}

// Load loads configuration from the specified file path.
// Returns an error if the file doesn't exist or cannot be parsed.
func (l *viperLoader) Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED, "failed to read config file", err)
	}

	// Defaults fill any section the file omits.
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED, "failed to unmarshal config", err)
	}

	applyInterpolation(cfg)

	if err := l.validator.Validate(cfg); err != nil {
		return nil, types.WrapError(types.CONFIG_VALIDATION_FAILED, "configuration validation failed", err)
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration.
func (l *viperLoader) LoadWithDefaults(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := l.validator.Validate(cfg); err != nil {
			return nil, types.WrapError(types.CONFIG_VALIDATION_FAILED, "default configuration validation failed", err)
		}
		return cfg, nil
	}

	return l.Load(path)
}

// interpolateString replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is so validation can report them.
func interpolateString(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")

		if envValue := os.Getenv(varName); envValue != "" {
			return envValue
		}

		return match
	})
}

// applyInterpolation expands ${VAR} references in the string fields that
// commonly carry secrets or machine-specific paths.
func applyInterpolation(cfg *Config) {
	cfg.Database.Path = interpolateString(cfg.Database.Path)
	cfg.Auth.JWTSecret = interpolateString(cfg.Auth.JWTSecret)
	cfg.Redis.Addr = interpolateString(cfg.Redis.Addr)
	cfg.Redis.Password = interpolateString(cfg.Redis.Password)
	cfg.Neo4j.URI = interpolateString(cfg.Neo4j.URI)
	cfg.Neo4j.Username = interpolateString(cfg.Neo4j.Username)
	cfg.Neo4j.Password = interpolateString(cfg.Neo4j.Password)
	cfg.Milvus.Address = interpolateString(cfg.Milvus.Address)
	cfg.Memory.Semantic.SeedPath = interpolateString(cfg.Memory.Semantic.SeedPath)
	cfg.Logging.Level = interpolateString(cfg.Logging.Level)
	cfg.Logging.Format = interpolateString(cfg.Logging.Format)
	cfg.Tracing.Endpoint = interpolateString(cfg.Tracing.Endpoint)
}
