package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField reads a duration-valued config field. An empty value
// means "unset" and parses to zero so the owning service applies its own
// default. A bare number is taken as seconds; anything else must be a Go
// duration string. Negative values are rejected.
func ParseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}

	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("config: %s: bad duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s: duration %q must not be negative", field, raw)
	}
	return d, nil
}
