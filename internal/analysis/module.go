package analysis

import (
	"regexp"
	"strings"
)

var (
	importFrom = regexp.MustCompile(`(?m)^([ \t]*)import\s+([\w$*{}\s,]+?)\s+from\s+(['"])([^'"\n]+)['"][ \t]*;?`)
	importBare = regexp.MustCompile(`(?m)^([ \t]*)import\s*(['"])([^'"\n]+)['"][ \t]*;?`)
	exportList = regexp.MustCompile(`(?m)^([ \t]*)export\s*\{[^}]*\}[ \t]*;?`)
	exportDecl = regexp.MustCompile(`(?m)^([ \t]*)export\s+(default\s+)?`)
	awaitWord  = regexp.MustCompile(`\bawait\s+`)
)

// rewriteModule turns ES module syntax and top level await, which the parser
// rejects in scripts, into script code with the same facts: imports become
// require calls bound to the imported names, export keywords are dropped and
// await is removed.
func rewriteModule(code string) string {
	code = importFrom.ReplaceAllStringFunc(code, func(m string) string {
		parts := importFrom.FindStringSubmatch(m)
		indent, clause, module := parts[1], parts[2], parts[4]
		names := importedNames(clause)
		if len(names) == 0 {
			return indent + "require(" + quote(module) + ");"
		}
		bindings := make([]string, len(names))
		for i, name := range names {
			bindings[i] = name + " = require(" + quote(module) + ")"
		}
		return indent + "const " + strings.Join(bindings, ", ") + ";"
	})
	code = importBare.ReplaceAllString(code, `${1}require("${3}");`)
	code = exportList.ReplaceAllString(code, "${1};")
	code = exportDecl.ReplaceAllString(code, "${1}")
	return awaitWord.ReplaceAllString(code, "")
}

// importedNames lists the local bindings of an import clause such as
// `a, { b, c as d }` or `* as ns`.
func importedNames(clause string) []string {
	clause = strings.NewReplacer("{", ",", "}", ",").Replace(clause)
	var names []string
	for _, part := range strings.Split(clause, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		name := fields[len(fields)-1]
		if name == "*" {
			continue
		}
		names = append(names, name)
	}
	return names
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
