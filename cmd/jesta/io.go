package main

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
)

var protocolPattern = regexp.MustCompile(`^[a-z]{2,6}://`)

// inputURL turns a command line argument into a URL to read from. "-" is
// stdin and a bare path is a file.
func inputURL(arg string) string {
	switch {
	case arg == "-":
		return "stdin://"
	case protocolPattern.MatchString(arg):
		return arg
	default:
		return "file://" + arg
	}
}

// outputURL is inputURL for writing.
func outputURL(arg string) string {
	switch {
	case arg == "-":
		return "stdout://"
	case protocolPattern.MatchString(arg):
		return arg
	default:
		return "file://" + arg
	}
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func withOptional(params map[string]any, key, value string) map[string]any {
	if value != "" {
		params[key] = value
	}
	return params
}

// parseValue reads a command line value as JSON, falling back to a string.
func parseValue(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg
	}
	return v
}

// load imports the document at a command line argument.
func (a *app) load(ctx context.Context, in string) (any, error) {
	return a.call(ctx, "import", map[string]any{"input": inputURL(in)})
}

// pipe imports a document, passes it through the methods and outputs it.
func (a *app) pipe(ctx context.Context, calls []string, in, out string) error {
	n, err := a.load(ctx, in)
	if err != nil {
		return err
	}
	items := make([]any, len(calls))
	for i, c := range calls {
		items[i] = c
	}
	result, err := a.call(ctx, "pipe", map[string]any{"node": n, "calls": items})
	if err != nil {
		return err
	}
	return a.output(ctx, result, out)
}

// output exports a node to out, or prints it as JSON when out is empty.
func (a *app) output(ctx context.Context, n any, out string) error {
	if out != "" {
		_, err := a.call(ctx, "export", map[string]any{"node": n, "output": outputURL(out)})
		return err
	}
	content, err := a.call(ctx, "encode", map[string]any{"node": n})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.stdout, content)
	return err
}
