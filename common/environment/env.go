// Package environment provides helpers for loading configuration from environment variables.
//
// Every helper reads one variable and falls back to a default when the
// variable is unset, empty, or malformed. Required variables return an error
// rather than calling os.Exit, keeping process control in cmd/.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Parse reads the named variable and converts it with parse. It returns
// defaultValue when the variable is unset, empty, or parse fails.
func Parse[T any](name string, defaultValue T, parse func(string) (T, error)) T {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	out, err := parse(v)
	if err != nil {
		return defaultValue
	}
	return out
}

// StringOr returns the value of the named environment variable, or defaultValue
// if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	return Parse(name, defaultValue, func(s string) (string, error) { return s, nil })
}

// RequiredString returns the value of the named environment variable or an error
// if it is unset or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the variable with strconv.ParseBool.
func BoolOr(name string, defaultValue bool) bool {
	return Parse(name, defaultValue, strconv.ParseBool)
}

// IntOr parses the variable as a decimal integer.
func IntOr(name string, defaultValue int) int {
	return Parse(name, defaultValue, strconv.Atoi)
}

// FloatOr parses the variable as a 64-bit float.
func FloatOr(name string, defaultValue float64) float64 {
	return Parse(name, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// DurationOr parses the variable as a time.Duration (e.g. "30s", "5m").
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	return Parse(name, defaultValue, time.ParseDuration)
}
