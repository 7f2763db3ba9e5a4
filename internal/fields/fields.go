// Package fields holds the per-workflow field value snapshot and the
// {{api_name}} template rendering used for task names and
// descriptions.
package fields

import (
	"regexp"
	"strings"
	"time"
)

// Values is a snapshot of a workflow's field values keyed by api_name.
// Kickoff answers and task outputs share one namespace.
type Values map[string]string

// Get returns the value and whether a non-empty value is present.
func (v Values) Get(apiName string) (string, bool) {
	val, ok := v[apiName]
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return val, true
}

// placeholderRe matches {{api_name}} with optional inner whitespace.
var placeholderRe = regexp.MustCompile(`\{\{\s*([\w-]+)\s*\}\}`)

// Render substitutes {{api_name}} placeholders with current field
// values. Unknown names render as the empty string.
func Render(template string, v Values) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		return v[name]
	})
}

// Date layouts accepted for date-typed field values, tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate parses a date-typed field value. The second return is
// false for empty or unparseable values; callers degrade to "no
// effect" rather than erroring.
func ParseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
