// Package dispatch checks and routes method calls to the plugin.
//
// A call passes four checks before it reaches a method: the method must be
// known, the plugin must be capable of it, every required parameter must be
// present, and every present parameter must satisfy its JSON Schema.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/stencila/jesta/internal/manifest"
	"github.com/stencila/jesta/internal/methods"
	"github.com/stencila/jesta/internal/node"
	"github.com/stencila/jesta/internal/observability"
	"github.com/stencila/jesta/internal/rpc"
	"github.com/stencila/jesta/internal/session"
)

// Dispatcher routes calls to a plugin according to its manifest.
type Dispatcher struct {
	Plugin   *methods.Plugin
	Manifest *manifest.Manifest

	schemas map[string]map[string]*gojsonschema.Schema
	metrics *observability.JestaMetrics
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records calls in m instead of the global metrics.
func WithMetrics(m *observability.JestaMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher, compiling the parameter schemas of m.
func New(p *methods.Plugin, m *manifest.Manifest, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		Plugin:   p,
		Manifest: m,
		schemas:  make(map[string]map[string]*gojsonschema.Schema),
		metrics:  observability.Metrics(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	for method, schema := range m.Capabilities {
		params := make(map[string]*gojsonschema.Schema, len(schema.Properties))
		for name, property := range schema.Properties {
			compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(property))
			if err != nil {
				return nil, fmt.Errorf("compiling schema of %s.%s: %w", method, name, err)
			}
			params[name] = compiled
		}
		d.schemas[method] = params
	}
	return d, nil
}

// Interruptible reports whether calls to method may be cancelled.
func (d *Dispatcher) Interruptible(method string) bool {
	return d.Manifest.Interruptible(method)
}

// Dispatch checks a call and runs it. Errors that are not already protocol
// errors are returned as is; callers convert them with rpc.AsError.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params map[string]any) (result node.Node, err error) {
	ctx, span := observability.StartMethodSpan(ctx, method)
	start := time.Now()
	d.metrics.InFlight.Inc()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Method panicked", "method", method, "panic", r)
			result, err = nil, rpc.ServerError(fmt.Sprint(r), string(debug.Stack()))
		}
		d.metrics.InFlight.Dec()
		d.metrics.Sessions.Set(float64(len(d.Plugin.Sessions.Documents())))
		d.metrics.RecordRequest(method, time.Since(start), err)
		observability.RecordMethodResult(span, time.Since(start), err)
		span.End()
	}()

	if err := d.check(method, params); err != nil {
		return nil, err
	}
	return d.route(ctx, method, params)
}

func (d *Dispatcher) check(method string, params map[string]any) error {
	if !manifest.Known(method) {
		return rpc.MethodNotFound(method)
	}
	schema, ok := d.Manifest.Schema(method)
	if !ok {
		return rpc.CapabilityError(method)
	}
	for _, name := range schema.Required {
		if _, ok := params[name]; !ok {
			return rpc.RequiredParam(name)
		}
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		compiled, ok := d.schemas[method][name]
		if !ok {
			continue
		}
		result, err := compiled.Validate(gojsonschema.NewGoLoader(params[name]))
		if err != nil {
			return rpc.InvalidParam(name, err.Error())
		}
		if !result.Valid() {
			return rpc.InvalidParam(name, result.Errors()[0].Description())
		}
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, method string, params map[string]any) (node.Node, error) {
	p := d.Plugin
	a := args(params)
	switch method {
	case "decode":
		return p.Decode(ctx, a.str("content"), a.str("format"))
	case "encode":
		return p.Encode(ctx, params["node"], a.str("format"))
	case "read":
		content, _, err := p.Read(ctx, a.str("input"))
		if err != nil {
			return nil, err
		}
		return content, nil
	case "write":
		return p.Write(ctx, a.str("content"), a.str("output"))
	case "import":
		return p.Import(ctx, a.str("input"), a.str("format"), a.boolean("force"))
	case "export":
		return p.Export(ctx, params["node"], a.str("output"), a.str("format"))
	case "pull":
		return p.Pull(ctx, a.str("input"), a.str("output"))
	case "convert":
		return p.Convert(ctx, a.str("input"), a.str("output"), a.str("from"), a.str("to"))
	case "validate":
		return p.Validate(ctx, params["node"], a.boolean("force"))
	case "reshape":
		return p.Reshape(ctx, params["node"], a.boolean("force"))
	case "enrich":
		return p.Enrich(ctx, params["node"], a.boolean("force"))
	case "compile":
		return p.Compile(ctx, params["node"], a.boolean("force"))
	case "build":
		return p.Build(ctx, params["node"], a.boolean("force"))
	case "clean":
		return p.Clean(ctx, params["node"])
	case "execute":
		return p.Execute(ctx, a.document(), params["node"], a.boolean("force"))
	case "select":
		selected, found, err := p.Select(ctx, params["node"], a.str("query"), a.str("lang"))
		if err != nil || !found {
			return nil, err
		}
		return selected, nil
	case "pipe":
		shared := make(map[string]any)
		for _, key := range []string{"document", "force"} {
			if v, ok := params[key]; ok {
				shared[key] = v
			}
		}
		return p.Pipe(ctx, params["node"], a.strs("calls"), shared, d.Dispatch)
	case "get":
		value, ok := p.Get(ctx, a.document(), a.str("name"))
		if !ok {
			return nil, nil
		}
		return value, nil
	case "set":
		return nil, p.Set(ctx, a.document(), a.str("name"), params["value"])
	case "delete":
		return nil, p.Delete(ctx, a.document(), a.str("name"))
	case "vars":
		return p.Vars(ctx, a.document()), nil
	case "funcs":
		return p.Funcs(ctx, a.document()), nil
	case "call":
		return p.Call(ctx, a.document(), a.str("name"), params["args"])
	}
	return nil, rpc.CapabilityError(method)
}

// args extracts typed parameters that have already passed their schemas.
type args map[string]any

func (a args) str(name string) string {
	s, _ := a[name].(string)
	return s
}

func (a args) boolean(name string) bool {
	b, _ := a[name].(bool)
	return b
}

func (a args) strs(name string) []string {
	items, _ := a[name].([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (a args) document() string {
	if id := a.str("document"); id != "" {
		return id
	}
	return session.DefaultDocument
}
