package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go-duration config string (e.g. "500ms",
// "10s"). Empty means "unset" and parses to 0; negative durations are
// rejected since no timeout or TTL here is meaningfully negative. path names
// the config field for the error message ("dispatcher.default_timeout").
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset or
// zero values. Used where zero is not a useful setting (sqlite busy_timeout,
// guardrail TTLs).
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
