package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of key; blank values count as unset.
func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func invalid(key, value string, err error) {
	slog.Default().Warn("ignoring invalid config value", "key", key, "value", value, "error", err)
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

// GetDuration reads a non-negative duration. A bare integer counts units,
// so QUEUE_RETRY_AFTER_SECONDS=30 with unit time.Second is 30s; a Go
// duration string such as "90s" or "1h30m" is taken as written.
func GetDuration(key string, unit time.Duration, fallback time.Duration) time.Duration {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	var (
		parsed time.Duration
		err    error
	)
	if n, convErr := strconv.ParseInt(value, 10, 64); convErr == nil {
		parsed = time.Duration(n) * unit
	} else {
		parsed, err = time.ParseDuration(value)
	}
	if err == nil && parsed < 0 {
		err = strconv.ErrRange
	}
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}
