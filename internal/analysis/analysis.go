// Package analysis derives dependency facts from JavaScript code text.
package analysis

import (
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"

	"github.com/stencila/jesta/internal/node"
)

// Facts are the dependency properties of a code entity. A nil list means the
// property is absent.
type Facts struct {
	Alters   []string `json:"alters,omitempty"`
	Assigns  []string `json:"assigns,omitempty"`
	Declares []string `json:"declares,omitempty"`
	Imports  []string `json:"imports,omitempty"`
	Reads    []string `json:"reads,omitempty"`
	Uses     []string `json:"uses,omitempty"`
}

// Properties lists the entity properties that Facts populate.
var Properties = []string{"alters", "assigns", "declares", "imports", "reads", "uses"}

// Apply merges the facts into e. Absent facts remove the property.
func (f Facts) Apply(e node.Entity) {
	e.SetStrings("alters", f.Alters)
	e.SetStrings("assigns", f.Assigns)
	e.SetStrings("declares", f.Declares)
	e.SetStrings("imports", f.Imports)
	e.SetStrings("reads", f.Reads)
	e.SetStrings("uses", f.Uses)
}

// FromEntity reads the facts previously applied to e.
func FromEntity(e node.Entity) Facts {
	return Facts{
		Alters:   e.Strings("alters"),
		Assigns:  e.Strings("assigns"),
		Declares: e.Strings("declares"),
		Imports:  e.Strings("imports"),
		Reads:    e.Strings("reads"),
		Uses:     e.Strings("uses"),
	}
}

// Analyze parses code and collects its facts. Code using ES module syntax
// or top level await is analysed as the equivalent script. Code that does
// not parse either way yields empty facts.
func Analyze(code string) Facts {
	program, err := parser.ParseFile(nil, "", code, 0)
	if err != nil {
		program, err = parser.ParseFile(nil, "", rewriteModule(code), 0)
		if err != nil {
			return Facts{}
		}
	}

	c := newCollector()
	c.hoist(program.Body)
	for _, stmt := range program.Body {
		c.statement(stmt)
	}

	facts := Facts{
		Assigns:  c.assigns.list(),
		Declares: c.declares.list(),
		Imports:  c.imports.list(),
		Reads:    c.reads.list(),
		Uses:     c.uses.list(),
	}
	return applyDirectives(facts, scanDirectives(code))
}

// orderedSet keeps first-seen order.
type orderedSet struct {
	items []string
	seen  map[string]bool
}

func (s *orderedSet) add(name string) {
	if name == "" {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[name] {
		return
	}
	s.seen[name] = true
	s.items = append(s.items, name)
}

func (s *orderedSet) has(name string) bool { return s.seen[name] }

func (s *orderedSet) list() []string {
	if len(s.items) == 0 {
		return nil
	}
	return append([]string(nil), s.items...)
}

type collector struct {
	declares orderedSet
	assigns  orderedSet
	uses     orderedSet
	imports  orderedSet
	reads    orderedSet

	// names declared by top level function declarations
	functions map[string]bool
	// local scopes of enclosing functions, innermost last
	scopes []map[string]bool
}

func newCollector() *collector {
	return &collector{functions: make(map[string]bool)}
}

// hoist registers top level declarations before the walk so that references
// preceding a declaration are not taken as free.
func (c *collector) hoist(body []ast.Statement) {
	for _, stmt := range body {
		switch s := stmt.(type) {
		case *ast.VariableStatement:
			c.declareBindings(s.List)
		case *ast.LexicalDeclaration:
			c.declareBindings(s.List)
		case *ast.FunctionDeclaration:
			if s.Function != nil && s.Function.Name != nil {
				name := string(s.Function.Name.Name)
				c.functions[name] = true
				if !c.declares.has(name) {
					c.assigns.add(name)
				}
			}
		}
	}
}

func (c *collector) declareBindings(list []*ast.Binding) {
	for _, b := range list {
		if id, ok := b.Target.(*ast.Identifier); ok {
			c.declares.add(string(id.Name))
		}
	}
}

func (c *collector) local() bool { return len(c.scopes) > 0 }

func (c *collector) bind(name string) {
	if c.local() && name != "" {
		c.scopes[len(c.scopes)-1][name] = true
	}
}

func (c *collector) bound(name string) bool {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if c.scopes[i][name] {
			return true
		}
	}
	return false
}

func (c *collector) use(name string) {
	switch {
	case name == "require":
	case c.bound(name):
	case c.declares.has(name), c.functions[name], c.assigns.has(name):
	default:
		c.uses.add(name)
	}
}

func (c *collector) statements(list []ast.Statement) {
	for _, stmt := range list {
		c.statement(stmt)
	}
}

func (c *collector) statement(stmt ast.Statement) {
	switch s := stmt.(type) {
	case nil:
	case *ast.ExpressionStatement:
		c.expression(s.Expression)
	case *ast.VariableStatement:
		c.bindings(s.List)
	case *ast.LexicalDeclaration:
		c.bindings(s.List)
	case *ast.FunctionDeclaration:
		if c.local() && s.Function != nil && s.Function.Name != nil {
			c.bind(string(s.Function.Name.Name))
		}
		c.function(s.Function)
	case *ast.BlockStatement:
		c.statements(s.List)
	case *ast.IfStatement:
		c.expression(s.Test)
		c.statement(s.Consequent)
		c.statement(s.Alternate)
	case *ast.ForStatement:
		switch init := s.Initializer.(type) {
		case *ast.ForLoopInitializerExpression:
			c.expression(init.Expression)
		case *ast.ForLoopInitializerVarDeclList:
			c.bindings(init.List)
		}
		c.expression(s.Test)
		c.expression(s.Update)
		c.statement(s.Body)
	case *ast.ForInStatement:
		c.expression(s.Source)
		c.statement(s.Body)
	case *ast.ForOfStatement:
		c.expression(s.Source)
		c.statement(s.Body)
	case *ast.WhileStatement:
		c.expression(s.Test)
		c.statement(s.Body)
	case *ast.DoWhileStatement:
		c.statement(s.Body)
		c.expression(s.Test)
	case *ast.ReturnStatement:
		c.expression(s.Argument)
	case *ast.ThrowStatement:
		c.expression(s.Argument)
	case *ast.TryStatement:
		if s.Body != nil {
			c.statements(s.Body.List)
		}
		if s.Catch != nil {
			c.scopes = append(c.scopes, make(map[string]bool))
			if id, ok := s.Catch.Parameter.(*ast.Identifier); ok {
				c.bind(string(id.Name))
			}
			if s.Catch.Body != nil {
				c.statements(s.Catch.Body.List)
			}
			c.scopes = c.scopes[:len(c.scopes)-1]
		}
		if s.Finally != nil {
			c.statements(s.Finally.List)
		}
	case *ast.SwitchStatement:
		c.expression(s.Discriminant)
		for _, cs := range s.Body {
			c.expression(cs.Test)
			c.statements(cs.Consequent)
		}
	}
}

func (c *collector) bindings(list []*ast.Binding) {
	for _, b := range list {
		if id, ok := b.Target.(*ast.Identifier); ok {
			if c.local() {
				c.bind(string(id.Name))
			} else {
				c.declares.add(string(id.Name))
			}
		}
		c.expression(b.Initializer)
	}
}

func (c *collector) function(fn *ast.FunctionLiteral) {
	if fn == nil {
		return
	}
	c.scopes = append(c.scopes, make(map[string]bool))
	if fn.Name != nil {
		c.bind(string(fn.Name.Name))
	}
	c.params(fn.ParameterList)
	if fn.Body != nil {
		c.statements(fn.Body.List)
	}
	c.scopes = c.scopes[:len(c.scopes)-1]
}

func (c *collector) arrow(fn *ast.ArrowFunctionLiteral) {
	c.scopes = append(c.scopes, make(map[string]bool))
	c.params(fn.ParameterList)
	switch body := fn.Body.(type) {
	case *ast.BlockStatement:
		c.statements(body.List)
	case *ast.ExpressionBody:
		c.expression(body.Expression)
	}
	c.scopes = c.scopes[:len(c.scopes)-1]
}

func (c *collector) params(list *ast.ParameterList) {
	if list == nil {
		return
	}
	for _, b := range list.List {
		if id, ok := b.Target.(*ast.Identifier); ok {
			c.bind(string(id.Name))
		}
		c.expression(b.Initializer)
	}
}

func (c *collector) expressions(list []ast.Expression) {
	for _, e := range list {
		c.expression(e)
	}
}

func (c *collector) expression(expr ast.Expression) {
	switch e := expr.(type) {
	case nil:
	case *ast.Identifier:
		c.use(string(e.Name))
	case *ast.AssignExpression:
		if id, ok := e.Left.(*ast.Identifier); ok {
			name := string(id.Name)
			if e.Operator != token.ASSIGN {
				c.use(name)
			}
			if !c.bound(name) && !c.declares.has(name) {
				c.assigns.add(name)
			}
		} else {
			c.expression(e.Left)
		}
		c.expression(e.Right)
	case *ast.CallExpression:
		c.call(e.Callee, e.ArgumentList)
		c.expression(e.Callee)
		c.expressions(e.ArgumentList)
	case *ast.NewExpression:
		c.expression(e.Callee)
		c.expressions(e.ArgumentList)
	case *ast.DotExpression:
		c.expression(e.Left)
	case *ast.BracketExpression:
		c.expression(e.Left)
		c.expression(e.Member)
	case *ast.BinaryExpression:
		c.expression(e.Left)
		c.expression(e.Right)
	case *ast.UnaryExpression:
		c.expression(e.Operand)
	case *ast.ConditionalExpression:
		c.expression(e.Test)
		c.expression(e.Consequent)
		c.expression(e.Alternate)
	case *ast.SequenceExpression:
		c.expressions(e.Sequence)
	case *ast.ArrayLiteral:
		c.expressions(e.Value)
	case *ast.ObjectLiteral:
		for _, prop := range e.Value {
			switch p := prop.(type) {
			case *ast.PropertyKeyed:
				if p.Computed {
					c.expression(p.Key)
				}
				c.expression(p.Value)
			case *ast.PropertyShort:
				c.use(string(p.Name.Name))
				c.expression(p.Initializer)
			case *ast.SpreadElement:
				c.expression(p.Expression)
			}
		}
	case *ast.TemplateLiteral:
		c.expression(e.Tag)
		c.expressions(e.Expressions)
	case *ast.FunctionLiteral:
		c.function(e)
	case *ast.ArrowFunctionLiteral:
		c.arrow(e)
	case *ast.SpreadElement:
		c.expression(e.Expression)
	case *ast.AwaitExpression:
		c.expression(e.Argument)
	}
}

// call records imports and reads made by a call with a literal first
// argument.
func (c *collector) call(callee ast.Expression, args []ast.Expression) {
	if len(args) == 0 {
		return
	}
	lit, ok := args[0].(*ast.StringLiteral)
	if !ok {
		return
	}
	value := string(lit.Value)

	var name string
	switch fn := callee.(type) {
	case *ast.Identifier:
		name = string(fn.Name)
	case *ast.DotExpression:
		name = string(fn.Identifier.Name)
	}

	switch name {
	case "require":
		if _, bare := callee.(*ast.Identifier); bare {
			c.imports.add(value)
		}
	case "readFile", "readFileSync":
		c.reads.add(value)
	}
}
