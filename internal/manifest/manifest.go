// Package manifest describes the plugin and the methods it is capable of.
package manifest

import "sort"

// Version of the manifest format.
const Version = 1

// Package describes the software that implements the plugin.
type Package struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

// Address is a way of reaching the plugin.
type Address struct {
	Transport     string   `json:"transport"`
	Command       string   `json:"command,omitempty"`
	Args          []string `json:"args,omitempty"`
	URL           string   `json:"url,omitempty"`
	Framing       string   `json:"framing,omitempty"`
	Serialization string   `json:"serialization"`
}

// MethodSchema is the JSON Schema of a method's parameters plus whether a
// call can be interrupted.
type MethodSchema struct {
	Title         string                    `json:"title"`
	Description   string                    `json:"description,omitempty"`
	Required      []string                  `json:"required,omitempty"`
	Properties    map[string]map[string]any `json:"properties,omitempty"`
	Interruptible bool                      `json:"interruptible"`
}

// Manifest is what the plugin reports about itself.
type Manifest struct {
	Version      int                     `json:"version"`
	Package      Package                 `json:"package"`
	Addresses    []Address               `json:"addresses"`
	Capabilities map[string]MethodSchema `json:"capabilities"`
}

// Capable reports whether method is implemented.
func (m *Manifest) Capable(method string) bool {
	_, ok := m.Capabilities[method]
	return ok
}

// Schema returns the schema of an implemented method.
func (m *Manifest) Schema(method string) (MethodSchema, bool) {
	s, ok := m.Capabilities[method]
	return s, ok
}

// Interruptible reports whether calls to method may be cancelled.
func (m *Manifest) Interruptible(method string) bool {
	return m.Capabilities[method].Interruptible
}

// Methods is the set of method names known to the protocol, whether or not
// this plugin is capable of them.
var Methods = []string{
	"build", "call", "clean", "compile", "convert", "decode", "delete",
	"downcast", "encode", "enrich", "execute", "export", "funcs", "get",
	"import", "pipe", "pull", "read", "reshape", "select", "set", "upcast",
	"validate", "vars", "write",
}

// Known reports whether method is in Methods.
func Known(method string) bool {
	i := sort.SearchStrings(Methods, method)
	return i < len(Methods) && Methods[i] == method
}

// Options configure the manifest Default builds.
type Options struct {
	Version string
	Command string
	HTTPURL string
	WSURL   string
}

// Default builds the manifest of this plugin.
func Default(opts Options) *Manifest {
	if opts.Version == "" {
		opts.Version = "0.0.0"
	}
	if opts.Command == "" {
		opts.Command = "jesta"
	}
	addrs := []Address{{
		Transport:     "stdio",
		Command:       opts.Command,
		Args:          []string{"serve"},
		Framing:       "nld",
		Serialization: "json",
	}}
	if opts.HTTPURL != "" {
		addrs = append(addrs, Address{Transport: "http", URL: opts.HTTPURL, Serialization: "json"})
	}
	if opts.WSURL != "" {
		addrs = append(addrs, Address{Transport: "ws", URL: opts.WSURL, Serialization: "json"})
	}

	return &Manifest{
		Version: Version,
		Package: Package{
			Name:        "jesta",
			Version:     opts.Version,
			Description: "Stencila plugin for executable documents using JavaScript",
			URL:         "https://github.com/stencila/jesta",
		},
		Addresses:    addrs,
		Capabilities: capabilities(),
	}
}

func str(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func boolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func anyNode(description string) map[string]any {
	return map[string]any{"description": description}
}

var (
	inputURL  = map[string]any{"type": "string", "description": "The URL to read content from.", "pattern": "^(file|https?|stdio|stdin|string)://.*"}
	outputURL = map[string]any{"type": "string", "description": "The URL to write the content to.", "pattern": "^(file|stdio|stdout|string)://.*"}
	format    = str("Format of the content.")
	document  = str("The id of the document whose session to use.")
	force     = boolean("Ignore history and run regardless?")
)

func nodeMethod(title, description string) MethodSchema {
	return MethodSchema{
		Title:       title,
		Description: description,
		Required:    []string{"node"},
		Properties: map[string]map[string]any{
			"node":  anyNode("The node to " + title + "."),
			"force": force,
		},
	}
}

func capabilities() map[string]MethodSchema {
	caps := map[string]MethodSchema{
		"decode": {
			Title:       "decode",
			Description: "Decode content to a node.",
			Required:    []string{"content"},
			Properties: map[string]map[string]any{
				"content": str("The content to decode."),
				"format":  format,
			},
		},
		"encode": {
			Title:       "encode",
			Description: "Encode a node to content.",
			Required:    []string{"node"},
			Properties: map[string]map[string]any{
				"node":   anyNode("The node to encode."),
				"format": format,
			},
		},
		"read": {
			Title:       "read",
			Description: "Read content from a URL.",
			Required:    []string{"input"},
			Properties:  map[string]map[string]any{"input": inputURL},
		},
		"write": {
			Title:       "write",
			Description: "Write content to a URL.",
			Required:    []string{"content", "output"},
			Properties: map[string]map[string]any{
				"content": str("The content to write."),
				"output":  outputURL,
			},
		},
		"import": {
			Title:       "import",
			Description: "Import a node from a URL.",
			Required:    []string{"input"},
			Properties: map[string]map[string]any{
				"input":  inputURL,
				"format": format,
				"force":  force,
			},
		},
		"export": {
			Title:       "export",
			Description: "Export a node to a URL.",
			Required:    []string{"node", "output"},
			Properties: map[string]map[string]any{
				"node":   anyNode("The node to export."),
				"output": outputURL,
				"format": str("Format to export to."),
			},
		},
		"pull": {
			Title:       "pull",
			Description: "Pull a file from a URL to the file system.",
			Required:    []string{"input", "output"},
			Properties: map[string]map[string]any{
				"input":  inputURL,
				"output": str("The file path to write to."),
			},
		},
		"convert": {
			Title:       "convert",
			Description: "Convert content from one URL and format to another.",
			Required:    []string{"input", "output"},
			Properties: map[string]map[string]any{
				"input":  inputURL,
				"output": outputURL,
				"from":   str("Format to import from."),
				"to":     str("Format to export to."),
			},
		},
		"validate": nodeMethod("validate", "Validate a node."),
		"reshape":  nodeMethod("reshape", "Reshape a node."),
		"enrich":   nodeMethod("enrich", "Enrich a node."),
		"compile":  nodeMethod("compile", "Compile a node, deriving the dependencies of its code."),
		"build":    nodeMethod("build", "Build a node, installing the packages its code imports."),
		"clean": {
			Title:       "clean",
			Description: "Remove derived properties from a node.",
			Required:    []string{"node"},
			Properties:  map[string]map[string]any{"node": anyNode("The node to clean.")},
		},
		"execute": {
			Title:       "execute",
			Description: "Execute a node.",
			Required:    []string{"node"},
			Properties: map[string]map[string]any{
				"node":     anyNode("The node to execute."),
				"document": document,
				"force":    force,
			},
			Interruptible: true,
		},
		"select": {
			Title:       "select",
			Description: "Select child nodes from a node.",
			Required:    []string{"node", "query"},
			Properties: map[string]map[string]any{
				"node":  anyNode("The node to select from."),
				"query": str("The query to run against the node."),
				"lang":  str("The language of the query, simplepath or jspath."),
			},
		},
		"pipe": {
			Title:       "pipe",
			Description: "Pipe a node through a sequence of methods.",
			Required:    []string{"node", "calls"},
			Properties: map[string]map[string]any{
				"node":     anyNode("The node to pipe."),
				"calls":    map[string]any{"type": "array", "description": "The methods to call.", "items": map[string]any{"type": "string"}},
				"document": document,
				"force":    force,
			},
		},
		"get": {
			Title:       "get",
			Description: "Get a variable from a document.",
			Required:    []string{"name"},
			Properties: map[string]map[string]any{
				"name":     str("The name of the variable."),
				"document": document,
			},
		},
		"set": {
			Title:       "set",
			Description: "Set a variable in a document.",
			Required:    []string{"name", "value"},
			Properties: map[string]map[string]any{
				"name":     str("The name of the variable to set."),
				"value":    anyNode("The value to set the variable to."),
				"document": document,
			},
		},
		"delete": {
			Title:       "delete",
			Description: "Delete a variable from a document.",
			Required:    []string{"name"},
			Properties: map[string]map[string]any{
				"name":     str("The name of the variable to delete."),
				"document": document,
			},
		},
		"vars": {
			Title:       "vars",
			Description: "List the variables of a document and their types.",
			Properties:  map[string]map[string]any{"document": document},
		},
		"funcs": {
			Title:       "funcs",
			Description: "List the functions of a document and their signatures.",
			Properties:  map[string]map[string]any{"document": document},
		},
		"call": {
			Title:       "call",
			Description: "Call a function of a document.",
			Required:    []string{"name"},
			Properties: map[string]map[string]any{
				"name":     str("The name of the function."),
				"args":     map[string]any{"type": []any{"array", "object"}, "description": "Arguments to call the function with."},
				"document": document,
			},
			Interruptible: true,
		},
	}
	return caps
}
