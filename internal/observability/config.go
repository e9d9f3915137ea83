package observability

import (
	"fmt"
	"strings"
)

// TracingConfig contains distributed tracing configuration.
// Supports multiple tracing providers with configurable sampling rates.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Provider    string  `yaml:"provider" mapstructure:"provider"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"` // Disable TLS for the OTLP exporter
}

// Validate validates the TracingConfig fields.
// Returns an error if Provider is invalid (must be otlp, stdout, or noop),
// or if SampleRate is out of range (must be between 0.0 and 1.0).
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	validProviders := []string{"otlp", "stdout", "noop"}
	provider := strings.ToLower(c.Provider)
	isValid := false
	for _, valid := range validProviders {
		if provider == valid {
			isValid = true
			break
		}
	}
	if !isValid {
		return fmt.Errorf("invalid tracing provider: %s (must be one of: %s)", c.Provider, strings.Join(validProviders, ", "))
	}

	if c.SampleRate < 0.0 || c.SampleRate > 1.0 {
		return fmt.Errorf("invalid sample rate: %f (must be between 0.0 and 1.0)", c.SampleRate)
	}

	if provider == "otlp" && c.Endpoint == "" {
		return fmt.Errorf("endpoint is required for the otlp provider")
	}

	if provider != "noop" && c.ServiceName == "" {
		return fmt.Errorf("service name is required when tracing is enabled")
	}

	return nil
}
