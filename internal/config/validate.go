package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ValidationError is a single configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects configuration errors so they can be reported together.
type Validator struct {
	errors []ValidationError
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

// AddError records a validation error.
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are validation errors.
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// ErrorString returns a formatted string of all errors.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Required checks that value is set.
func (v *Validator) Required(key, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(key, "required environment variable not set")
	}
}

// Port validates a listen address such as ":8080" or "0.0.0.0:8080".
func (v *Validator) Port(key, value string) {
	if value == "" {
		v.AddError(key, "listen address must not be empty")
		return
	}

	_, portStr, err := net.SplitHostPort(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid listen address: %v", err))
		return
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}

	if port < 1 || port > 65535 {
		v.AddError(key, "port must be between 1 and 65535")
	}
}

// Enum validates that value is one of the allowed options.
func (v *Validator) Enum(key, value string, allowed []string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}

	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// Positive validates that n > 0.
func (v *Validator) Positive(key string, n int64) {
	if n <= 0 {
		v.AddError(key, "must be a positive integer")
	}
}

// NonNegative validates that n >= 0.
func (v *Validator) NonNegative(key string, n int64) {
	if n < 0 {
		v.AddError(key, "must not be negative")
	}
}

// PostgresURL validates a PostgreSQL connection string.
func (v *Validator) PostgresURL(key, value string) {
	if value == "" {
		return
	}

	u, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		v.AddError(key, "must be a valid PostgreSQL connection string")
	}
}

// Duration parses a positive Go duration, recording an error and returning
// zero when it is invalid.
func (v *Validator) Duration(key, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid duration %q", value))
		return 0
	}
	if d <= 0 {
		v.AddError(key, "duration must be positive")
		return 0
	}
	return d
}
