package waifu2x

import (
	"strconv"
	"strings"
)

// ParseProgress extracts a progress percentage from one output line.
// The first whitespace-separated field containing '%' is the token; its numeric prefix is the
// percentage, clamped to [0,100]. Lines without such a field, or whose field has no numeric
// prefix, are not progress.
func ParseProgress(line string) (percentage float64, token string, ok bool) {
	if !strings.Contains(line, "%") {
		return 0, "", false
	}

	for _, field := range strings.Fields(line) {
		if !strings.Contains(field, "%") {
			continue
		}
		num := field[:strings.Index(field, "%")]
		value, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, "", false
		}
		return clamp(value), field, true
	}
	return 0, "", false
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// ParseLogLevel guesses a log level for a diagnostic line. The tool has no level prefixes,
// so it keys off words that its error and Vulkan loader messages use.
func ParseLogLevel(line string) (level, msg string) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "failed"), strings.Contains(lower, "error"), strings.Contains(lower, "invalid"):
		return "error", line
	case strings.Contains(lower, "warn"):
		return "warning", line
	case strings.Contains(line, "%"):
		return "debug", line
	default:
		return "info", line
	}
}
