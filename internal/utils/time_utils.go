// Package utils holds small helpers shared across components.
package utils

import (
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/logger"
	"strconv"
	"strings"
	"time"
)

// ParseStringTime parses durations in the config file's compact form: "100ms", "5s",
// "20m", "48h", "2d". Unknown suffixes and malformed numbers return 0 and log an error.
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(strings.TrimSpace(timeString))

	suffixes := []struct {
		suffix string
		unit   time.Duration
	}{
		{"ms", time.Millisecond},
		{"d", 24 * time.Hour},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
	}

	for _, s := range suffixes {
		if cutString, found := strings.CutSuffix(timeString, s.suffix); found && cutString != "" {
			number, err := strconv.Atoi(cutString)
			if err != nil {
				logger.ErrorF("Error parsing time string: %s", err.Error())
				return 0
			}
			return time.Duration(number) * s.unit
		}
	}

	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}
