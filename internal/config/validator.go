package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator validates configuration values.
type Validator interface {
	Validate(cfg *Config) error
}

// validatorImpl implements Validator using go-playground/validator.
type validatorImpl struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator instance.
func NewValidator() Validator {
	return &validatorImpl{
		validate: validator.New(),
	}
}

// Validate validates the configuration and returns detailed error messages.
func (v *validatorImpl) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	// Perform struct tag validation first
	err := v.validate.Struct(cfg)
	if err != nil {
		validationErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("validation error: %w", err)
		}

		var errorMessages []string
		for _, e := range validationErrs {
			errorMessages = append(errorMessages, formatValidationError(e))
		}

		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errorMessages, "\n  - "))
	}

	// Backend selections need their connection sections filled in.
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("configuration validation failed:\n  - auth.jwt_secret is required when auth is enabled")
	}

	switch cfg.Memory.ShortTerm.Backend {
	case "", "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("configuration validation failed:\n  - redis.addr is required when memory.short_term.backend is 'redis'")
		}
	default:
		return fmt.Errorf("configuration validation failed:\n  - memory.short_term.backend must be 'memory' or 'redis' (got: %s)", cfg.Memory.ShortTerm.Backend)
	}

	switch cfg.Memory.Episodic.Backend {
	case "", "embedded":
	case "milvus":
		if cfg.Milvus.Address == "" {
			return fmt.Errorf("configuration validation failed:\n  - milvus.address is required when memory.episodic.backend is 'milvus'")
		}
	default:
		return fmt.Errorf("configuration validation failed:\n  - memory.episodic.backend must be 'embedded' or 'milvus' (got: %s)", cfg.Memory.Episodic.Backend)
	}

	switch cfg.Memory.Semantic.Backend {
	case "", "memory":
	case "neo4j":
		if cfg.Neo4j.URI == "" {
			return fmt.Errorf("configuration validation failed:\n  - neo4j.uri is required when memory.semantic.backend is 'neo4j'")
		}
	default:
		return fmt.Errorf("configuration validation failed:\n  - memory.semantic.backend must be 'memory' or 'neo4j' (got: %s)", cfg.Memory.Semantic.Backend)
	}

	if err := cfg.Tracing.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed:\n  - %s", err)
	}

	return nil
}

// formatValidationError formats a single validation error with field path and details.
func formatValidationError(e validator.FieldError) string {
	fieldPath := formatFieldPath(e.Namespace())

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldPath)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", fieldPath, e.Param(), e.Value())
	default:
		return fmt.Sprintf("%s failed validation '%s' (got: %v)", fieldPath, e.Tag(), e.Value())
	}
}

// formatFieldPath converts validator namespace to a more readable field path.
// Example: "Config.Server.Port" -> "server.port"
func formatFieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) <= 1 {
		return namespace
	}

	result := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		result = append(result, toSnakeCase(parts[i]))
	}

	return strings.Join(result, ".")
}

// toSnakeCase converts CamelCase field names to snake_case.
func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				prev := rune(s[i-1])
				if prev >= 'a' && prev <= 'z' {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
