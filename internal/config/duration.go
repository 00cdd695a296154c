package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a string duration knob ("24h", "90s"). The
// empty string means unset and yields zero; Normalize has already filled
// defaults by the time callers parse. Negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: cannot parse %q as a duration: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}
