package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateHubURL validates the websocket URL channels dial
func (v *Validator) ValidateHubURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid hub url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hub url must use ws or wss scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("hub url must include a host")
	}
	return nil
}

// ValidatePositive validates that a numeric setting is > 0
func (v *Validator) ValidatePositive(name string, value int) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, value)
	}
	return nil
}

// ValidateBackoff validates reconnect backoff bounds
func (v *Validator) ValidateBackoff(baseMs, maxMs int) error {
	if baseMs <= 0 {
		return fmt.Errorf("backoff base must be positive, got %d", baseMs)
	}
	if maxMs < baseMs {
		return fmt.Errorf("backoff max (%d) must be >= base (%d)", maxMs, baseMs)
	}
	return nil
}
