package core

import (
	"fmt"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// Longer words first: "milliseconds" must be rewritten before "seconds"
// matches inside it.
var spelledOutUnits = []struct {
	word string
	unit string
}{
	{"milliseconds", "ms"},
	{"millisecond", "ms"},
	{"seconds", "s"},
	{"second", "s"},
	{"minutes", "m"},
	{"minute", "m"},
	{"hours", "h"},
	{"hour", "h"},
	{"days", "d"},
	{"day", "d"},
	{"weeks", "w"},
	{"week", "w"},
}

// ParseHumanDuration parses durations in Go syntax ("1h30m"), extended
// syntax with day and week units ("1d12h"), and spelled-out form
// ("30 minutes").
func ParseHumanDuration(s string) (time.Duration, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return 0, fmt.Errorf("empty duration")
	}
	for _, su := range spelledOutUnits {
		normalized = strings.ReplaceAll(normalized, " "+su.word, su.unit)
		normalized = strings.ReplaceAll(normalized, su.word, su.unit)
	}
	normalized = strings.ReplaceAll(normalized, " ", "")
	d, err := str2duration.ParseDuration(normalized)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
