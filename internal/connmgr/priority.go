package connmgr

import (
	"fmt"
	"strings"
)

// Priority orders pending work inside a queue. Higher runs first.
type Priority int

const (
	VeryLow  Priority = -8
	Low      Priority = -4
	Normal   Priority = 0
	High     Priority = 4
	VeryHigh Priority = 8
)

func (p Priority) String() string {
	switch p {
	case VeryLow:
		return "very_low"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case VeryHigh:
		return "very_high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the String() forms plus a few common spellings
// ("verylow", "very-high", ...). Empty input yields Normal.
func ParsePriority(raw string) (Priority, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	switch s {
	case "":
		return Normal, nil
	case "very_low", "verylow":
		return VeryLow, nil
	case "low":
		return Low, nil
	case "normal", "default":
		return Normal, nil
	case "high":
		return High, nil
	case "very_high", "veryhigh":
		return VeryHigh, nil
	default:
		return Normal, fmt.Errorf("unknown priority %q", raw)
	}
}
