package admit

import (
	"errors"
	"fmt"
)

// Gate errors
var (
	ErrGateClosed    = errors.New("admit: gate is closed")
	ErrInvalidConfig = errors.New("admit: invalid config")
	ErrInvalidEvent  = errors.New("admit: invalid event")
)

// ConfigError reports the config field that failed validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig.Error(), e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError checks if the error is a config validation error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
