package workflow

import (
	"strings"
)

// GJSONPath converts a JSONPath expression such as $.data.offers[0] or
// $['offers'] into gjson syntax (data.offers.0, offers). Paths already in
// gjson syntax are returned unchanged.
func GJSONPath(path string) string {
	if path == "" {
		return ""
	}
	if path == "$" {
		return "@this"
	}

	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return "@this"
	}
	path = strings.TrimPrefix(path, ".")

	// Bracket notation with quotes: ['name'] or ["name"]
	for _, q := range []string{"'", `"`} {
		if strings.Contains(path, "["+q) {
			path = strings.ReplaceAll(path, "["+q, ".")
			path = strings.ReplaceAll(path, q+"]", "")
		}
	}

	// Index notation: [n] -> .n
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	return strings.TrimPrefix(path, ".")
}
