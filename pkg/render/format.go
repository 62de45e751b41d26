package render

import (
	"regexp"
	"strings"
)

// Template syntax for custom --format / --tooltip-format strings:
//
//	{name}              literal substitution
//	{?name}...{/name}   render span only when the field is set
//	{?a&b}...{/}        render span only when every listed field is set
//
// A field counts as unset when missing, empty, or "Not started", so reset
// spans disappear for windows that have never been activated.
var (
	multiCondRe  = regexp.MustCompile(`\{\?([^}]+&[^}]+)\}(.*?)\{/\}`)
	singleCondRe = regexp.MustCompile(`\{\?(\w+)\}(.*?)\{/(\w+)\}`)
	fieldRe      = regexp.MustCompile(`\{(\w+)\}`)
)

func fieldSet(fields Fields, name string) bool {
	v, ok := fields[strings.TrimSpace(name)]
	return ok && v != "" && v != "Not started"
}

// Format expands a template against a flat field map. Unknown field names
// are substituted with the empty string.
func Format(template string, fields Fields) string {
	out := multiCondRe.ReplaceAllStringFunc(template, func(m string) string {
		groups := multiCondRe.FindStringSubmatch(m)
		for _, name := range strings.Split(groups[1], "&") {
			if !fieldSet(fields, name) {
				return ""
			}
		}
		return groups[2]
	})

	out = singleCondRe.ReplaceAllStringFunc(out, func(m string) string {
		groups := singleCondRe.FindStringSubmatch(m)
		// Opening and closing names must match: {?x}...{/x}.
		if groups[1] != groups[3] {
			return m
		}
		if !fieldSet(fields, groups[1]) {
			return ""
		}
		return groups[2]
	})

	return fieldRe.ReplaceAllStringFunc(out, func(m string) string {
		name := fieldRe.FindStringSubmatch(m)[1]
		return fields[name]
	})
}
