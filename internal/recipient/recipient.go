// Package recipient decides which delivery channel an address belongs to and
// whether the address is well formed for that channel.
package recipient

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Delivery channels
const (
	ChannelEmail     = "email"
	ChannelMessenger = "messenger"
)

// MaxLength is the longest address accepted, in characters
const MaxLength = 150

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Classify returns the channel for address and whether the address is valid
// for that channel. Anything containing '@' is treated as email; everything
// else is a messenger chat id, which must be all ASCII digits.
func Classify(address string) (string, bool) {
	if strings.Contains(address, "@") {
		return ChannelEmail, emailPattern.MatchString(address)
	}
	return ChannelMessenger, isDigits(address)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Resolved is an address that passed classification
type Resolved struct {
	Address string
	Channel string
}

// Problem describes one rejected address
type Problem struct {
	Address string `json:"recipient"`
	Reason  string `json:"error"`
}

// Errors collects every problem found in a recipient list
type Errors struct {
	Problems []Problem
}

func (e *Errors) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = fmt.Sprintf("%s: %s", p.Address, p.Reason)
	}
	return "invalid recipients: " + strings.Join(parts, "; ")
}

// Messages renders problems as human readable strings, one per address
func (e *Errors) Messages() []string {
	out := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		out[i] = fmt.Sprintf("%q: %s", p.Address, p.Reason)
	}
	return out
}

// Resolve classifies every address. All addresses must be unique and valid;
// otherwise the returned *Errors lists each offending address and nothing is
// resolved. The input order is preserved.
func Resolve(addresses []string) ([]Resolved, error) {
	var problems []Problem
	seen := make(map[string]bool, len(addresses))
	resolved := make([]Resolved, 0, len(addresses))

	for _, addr := range addresses {
		if seen[addr] {
			problems = append(problems, Problem{Address: addr, Reason: "duplicate recipient"})
			continue
		}
		seen[addr] = true

		if utf8.RuneCountInString(addr) > MaxLength {
			problems = append(problems, Problem{Address: addr, Reason: fmt.Sprintf("longer than %d characters", MaxLength)})
			continue
		}

		channel, ok := Classify(addr)
		if !ok {
			problems = append(problems, Problem{Address: addr, Reason: "invalid " + channel + " recipient"})
			continue
		}

		resolved = append(resolved, Resolved{Address: addr, Channel: channel})
	}

	if len(problems) > 0 {
		return nil, &Errors{Problems: problems}
	}

	return resolved, nil
}
