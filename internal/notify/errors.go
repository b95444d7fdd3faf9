package notify

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError maps request fields to the problems found with them.
// Nothing is persisted when Submit returns one.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Add(field string, msgs ...string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msgs...)
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Field error messages shared with the HTTP layer
const (
	MsgRequired  = "This field is required."
	MsgEmptyList = "This list may not be empty."
)
