package config

import (
	"fmt"
	"time"
)

// Error reports a configuration problem: a missing credential, a bad value,
// or a delay tier with no mapped offset.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Delay tiers accepted at intake
const (
	DelayNone    = 0
	DelayOneHour = 1
	DelayOneDay  = 2
)

// DelayTable maps a delay tier to its dispatch offset.
type DelayTable map[int]time.Duration

// DefaultDelays is the fixed tier mapping: none=0s, one_hour=3600s, one_day=86400s.
func DefaultDelays() DelayTable {
	return DelayTable{
		DelayNone:    0,
		DelayOneHour: time.Hour,
		DelayOneDay:  24 * time.Hour,
	}
}

// Offset returns the offset for tier. An unmapped tier is an error, never zero.
func (t DelayTable) Offset(tier int) (time.Duration, error) {
	d, ok := t[tier]
	if !ok {
		return 0, &Error{Key: "delay", Reason: fmt.Sprintf("no offset mapped for tier %d", tier)}
	}
	return d, nil
}

// DelayName is the wire name of a tier, used for logs and metric labels.
func DelayName(tier int) string {
	switch tier {
	case DelayNone:
		return "none"
	case DelayOneHour:
		return "one_hour"
	case DelayOneDay:
		return "one_day"
	default:
		return "unknown"
	}
}
