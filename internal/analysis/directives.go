package analysis

import (
	"regexp"
	"strings"
)

var (
	commentPattern   = regexp.MustCompile(`(?s)//[^\n]*|/\*.*?\*/`)
	directivePattern = regexp.MustCompile(`@stencila-(alters|assigns|declares|imports|reads|uses)[ \t]+([^\n]+)`)
)

// scanDirectives collects @stencila-<category> values from the comments in
// code. Values accumulate across comments in order of appearance.
func scanDirectives(code string) map[string][]string {
	found := make(map[string][]string)
	for _, comment := range commentPattern.FindAllString(code, -1) {
		body := strings.TrimPrefix(comment, "//")
		if strings.HasPrefix(comment, "/*") {
			body = strings.TrimSuffix(strings.TrimPrefix(comment, "/*"), "*/")
		}
		for _, m := range directivePattern.FindAllStringSubmatch(body, -1) {
			category := m[1]
			values := strings.Fields(strings.TrimSuffix(strings.TrimSpace(m[2]), "*/"))
			found[category] = append(found[category], values...)
		}
	}
	return found
}

// applyDirectives replaces each automatically derived category that has a
// directive with the directive's values.
func applyDirectives(f Facts, directives map[string][]string) Facts {
	for category, values := range directives {
		values = dedupe(values)
		switch category {
		case "alters":
			f.Alters = values
		case "assigns":
			f.Assigns = values
		case "declares":
			f.Declares = values
		case "imports":
			f.Imports = values
		case "reads":
			f.Reads = values
		case "uses":
			f.Uses = values
		}
	}
	return f
}

func dedupe(values []string) []string {
	var s orderedSet
	for _, v := range values {
		s.add(v)
	}
	return s.list()
}
