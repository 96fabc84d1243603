// Package session holds the per-document JavaScript execution state.
//
// Each Session wraps a single goja runtime. The runtime is not safe for
// concurrent use, so every operation takes the session lock; only Interrupt
// is called from another goroutine, when the request context is cancelled.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/stencila/jesta/internal/analysis"
	"github.com/stencila/jesta/internal/node"
)

// Interrupted is the error type and message of an interrupted evaluation.
const Interrupted = "Interrupted"

// ErrNotFunction is returned by Call when the name is not bound to a function.
var ErrNotFunction = errors.New("not a function")

// Session is the execution state of one document.
type Session struct {
	ID string

	mu       sync.Mutex
	vm       *goja.Runtime
	builtins map[string]bool
	// lexical holds top-level let and const names, which live in the
	// global scope but are not properties of the global object.
	lexical map[string]bool
	logger  *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger that receives console output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithModules enables require() of CommonJS packages installed under dir.
func WithModules(dir string) Option {
	return func(s *Session) {
		newLoader(s.vm, dir).install()
	}
}

// New creates a session with a fresh runtime.
func New(id string, opts ...Option) *Session {
	s := &Session{
		ID:      id,
		vm:      goja.New(),
		lexical: make(map[string]bool),
		logger:  slog.Default(),
	}
	s.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for _, opt := range opts {
		opt(s)
	}
	s.installConsole()

	s.builtins = make(map[string]bool)
	for _, name := range s.vm.GlobalObject().GetOwnPropertyNames() {
		s.builtins[name] = true
	}
	return s
}

func (s *Session) installConsole() {
	console := s.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			s.logger.Debug("console", "session", s.ID, "level", level, "message", strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	_ = s.vm.Set("console", console)
}

// Enter evaluates code and classifies the result into outputs and errors.
// Cancelling ctx interrupts the evaluation.
func (s *Session) Enter(ctx context.Context, code string) ([]node.Node, []node.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		outputs []node.Node
		errs    []node.Entity
	)
	value, err := s.run(ctx, func() (goja.Value, error) {
		return s.vm.RunString(code)
	})
	s.remember(code)
	switch {
	case err != nil:
		errs = append(errs, s.codeError(err))
	case value == nil || goja.IsUndefined(value):
	case s.errorLike(value):
		obj := value.ToObject(s.vm)
		errs = append(errs, node.CodeError(
			stringProp(obj, "name"),
			stringProp(obj, "message"),
			stringProp(obj, "stack"),
		))
	default:
		outputs = append(outputs, s.export(value))
	}
	return outputs, errs
}

// run executes fn with the runtime interrupted when ctx is done. The
// interrupt flag is always cleared before returning so that it cannot leak
// into the next evaluation.
func (s *Session) run(ctx context.Context, fn func() (goja.Value, error)) (goja.Value, error) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		s.vm.Interrupt(Interrupted)
		close(fired)
	})
	value, err := fn()
	if !stop() {
		<-fired
	}
	s.vm.ClearInterrupt()
	return value, err
}

func (s *Session) codeError(err error) node.Entity {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return node.CodeError(Interrupted, Interrupted, "")
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		thrown := ex.Value()
		if obj, ok := thrown.(*goja.Object); ok {
			message := stringProp(obj, "message")
			if message == "" {
				message = thrown.String()
			}
			return node.CodeError(stringProp(obj, "name"), message, stringProp(obj, "stack"))
		}
		return node.CodeError("", thrown.String(), "")
	}
	return node.CodeError("", err.Error(), "")
}

// errorLike reports whether a returned value looks like an Error: a
// non-array object with string message and stack that is not an entity.
func (s *Session) errorLike(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() == "Array" {
		return false
	}
	if t := obj.Get("type"); t != nil {
		if _, isString := t.Export().(string); isString {
			return false
		}
	}
	return isString(obj.Get("message")) && isString(obj.Get("stack"))
}

func isString(v goja.Value) bool {
	if v == nil {
		return false
	}
	_, ok := v.Export().(string)
	return ok
}

func stringProp(obj *goja.Object, name string) string {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func (s *Session) export(v goja.Value) node.Node {
	if obj, ok := v.(*goja.Object); ok {
		if _, isFunc := goja.AssertFunction(obj); isFunc {
			return obj.String()
		}
	}
	return node.Normalize(v.Export())
}

// value converts a node into a plain JavaScript value. Containers go through
// JSON.parse so that scripts see ordinary objects and arrays.
func (s *Session) value(n node.Node) (goja.Value, error) {
	switch n.(type) {
	case nil:
		return goja.Null(), nil
	case bool, float64, string:
		return s.vm.ToValue(n), nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	parse, ok := goja.AssertFunction(s.vm.Get("JSON").ToObject(s.vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	return parse(goja.Undefined(), s.vm.ToValue(string(data)))
}

// Get returns the value of a global variable.
func (s *Session) Get(name string) (node.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.lookup(name)
	if v == nil {
		return nil, false
	}
	return s.export(v), true
}

// remember records the top-level names declared by code that are not
// already global object properties.
func (s *Session) remember(code string) {
	global := s.vm.GlobalObject()
	for _, name := range analysis.Analyze(code).Declares {
		if s.builtins[name] || global.Get(name) != nil {
			continue
		}
		s.lexical[name] = true
	}
}

// lookup resolves name against the global object, then against the
// lexical bindings. It returns nil for unbound or undefined names.
func (s *Session) lookup(name string) goja.Value {
	if v := s.vm.GlobalObject().Get(name); v != nil && !goja.IsUndefined(v) {
		return v
	}
	if !s.lexical[name] {
		return nil
	}
	v, err := s.vm.RunString(name)
	if err != nil || v == nil || goja.IsUndefined(v) {
		return nil
	}
	return v
}

// names lists user bindings: global object keys then lexical names.
func (s *Session) names() []string {
	var names []string
	seen := make(map[string]bool)
	for _, name := range s.vm.GlobalObject().Keys() {
		if !s.builtins[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	for name := range s.lexical {
		if !seen[name] {
			names = append(names, name)
		}
	}
	return names
}

// Set assigns a global variable.
func (s *Session) Set(name string, value node.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.value(value)
	if err != nil {
		return err
	}
	if s.lexical[name] {
		return s.assign(name, v)
	}
	return s.vm.GlobalObject().Set(name, v)
}

// assign updates a lexical binding through a script assignment, so that
// const bindings reject the write.
func (s *Session) assign(name string, v goja.Value) error {
	const slot = "__jesta_assign"
	global := s.vm.GlobalObject()
	if err := global.Set(slot, v); err != nil {
		return err
	}
	defer func() { _ = global.Delete(slot) }()
	if _, err := s.vm.RunString(name + " = " + slot); err != nil {
		ce := s.codeError(err)
		msg, _ := ce["errorMessage"].(string)
		return fmt.Errorf("assigning %q: %s", name, msg)
	}
	return nil
}

// Delete removes a global variable. Bindings that cannot be deleted, such as
// those made with var, are set to undefined instead.
func (s *Session) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Lexical bindings cannot be removed from the scope, only hidden.
	delete(s.lexical, name)
	global := s.vm.GlobalObject()
	if err := global.Delete(name); err == nil {
		if v := global.Get(name); v == nil || goja.IsUndefined(v) {
			return nil
		}
	}
	return global.Set(name, goja.Undefined())
}

// Vars maps the names of user variables to their node type.
func (s *Session) Vars() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	vars := make(map[string]string)
	for _, name := range s.names() {
		v := s.lookup(name)
		if v == nil {
			continue
		}
		if _, isFunc := goja.AssertFunction(v); isFunc {
			continue
		}
		vars[name] = node.TypeName(s.export(v))
	}
	return vars
}

// Funcs maps the names of user functions to their signature.
func (s *Session) Funcs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	funcs := make(map[string]string)
	for _, name := range s.names() {
		v := s.lookup(name)
		if v == nil {
			continue
		}
		if _, isFunc := goja.AssertFunction(v); isFunc {
			funcs[name] = "Function"
		}
	}
	return funcs
}

// Call invokes a global function with positional arguments.
func (s *Session) Call(ctx context.Context, name string, args []node.Node) (node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := goja.AssertFunction(s.lookup(name))
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFunction)
	}
	values := make([]goja.Value, len(args))
	for i, arg := range args {
		v, err := s.value(arg)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	result, err := s.run(ctx, func() (goja.Value, error) {
		return fn(goja.Undefined(), values...)
	})
	if err != nil {
		ce := s.codeError(err)
		msg, _ := ce["errorMessage"].(string)
		if errType, _ := ce["errorType"].(string); errType != "" && errType != Interrupted {
			msg = errType + ": " + msg
		}
		return nil, errors.New(msg)
	}
	if result == nil || goja.IsUndefined(result) {
		return nil, nil
	}
	return s.export(result), nil
}
