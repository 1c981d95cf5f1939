package utils

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationRegex = regexp.MustCompile(`^(\d+)(mo|m|h|d|w)$`)

var durationUnits = map[string]time.Duration{
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
	"mo": 30 * 24 * time.Hour,
}

// ParseDuration reads moderator shorthand such as 10m, 2h, 3d, 1w or 1mo.
func ParseDuration(value string) (time.Duration, error) {
	match := durationRegex.FindStringSubmatch(strings.ToLower(strings.TrimSpace(value)))
	if match == nil {
		return 0, fmt.Errorf("invalid duration %q: use a number followed by m, h, d, w or mo", value)
	}
	amount, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("invalid duration %q: must be positive", value)
	}
	unit := durationUnits[match[2]]
	if amount > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("invalid duration %q: too long", value)
	}
	return time.Duration(amount) * unit, nil
}

// ParseBoundedDuration parses value and rejects results outside [min, max].
func ParseBoundedDuration(value string, min, max time.Duration) (time.Duration, error) {
	d, err := ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < min || d > max {
		return 0, fmt.Errorf("duration %s must be between %s and %s", d, min, max)
	}
	return d, nil
}
