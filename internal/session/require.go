package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// loader resolves require() calls against node_modules in a directory.
// Only CommonJS sources are supported.
type loader struct {
	vm    *goja.Runtime
	dir   string
	cache map[string]goja.Value
}

func newLoader(vm *goja.Runtime, dir string) *loader {
	return &loader{vm: vm, dir: dir, cache: make(map[string]goja.Value)}
}

func (l *loader) install() {
	_ = l.vm.Set("require", l.requireFrom(l.dir))
}

func (l *loader) requireFrom(base string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		path, err := l.resolve(base, id)
		if err != nil {
			panic(l.vm.NewGoError(err))
		}
		exports, err := l.load(path)
		if err != nil {
			panic(l.vm.NewGoError(err))
		}
		return exports
	}
}

func (l *loader) resolve(base, id string) (string, error) {
	if strings.HasPrefix(id, "./") || strings.HasPrefix(id, "../") || filepath.IsAbs(id) {
		if !filepath.IsAbs(id) {
			id = filepath.Join(base, id)
		}
		return resolveFile(id)
	}
	for dir := base; ; dir = filepath.Dir(dir) {
		pkg := filepath.Join(dir, "node_modules", id)
		if path, err := resolvePackage(pkg); err == nil {
			return path, nil
		}
		if parent := filepath.Dir(dir); parent == dir {
			break
		}
	}
	return "", fmt.Errorf("Cannot find module '%s'", id)
}

func resolvePackage(dir string) (string, error) {
	main := "index.js"
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var manifest struct {
			Main string `json:"main"`
		}
		if json.Unmarshal(data, &manifest) == nil && manifest.Main != "" {
			main = manifest.Main
		}
	}
	return resolveFile(filepath.Join(dir, main))
}

func resolveFile(path string) (string, error) {
	for _, candidate := range []string{path, path + ".js", path + ".json", filepath.Join(path, "index.js")} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("Cannot find module '%s'", path)
}

func (l *loader) load(path string) (goja.Value, error) {
	if exports, ok := l.cache[path]; ok {
		return exports, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if filepath.Ext(path) == ".json" {
		var v any
		if err := json.Unmarshal(src, &v); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		exports := l.vm.ToValue(v)
		l.cache[path] = exports
		return exports, nil
	}

	module := l.vm.NewObject()
	exports := l.vm.NewObject()
	_ = module.Set("exports", exports)
	// Cache before running so that cyclic requires see partial exports.
	l.cache[path] = exports

	wrapped := "(function(exports, require, module, __filename, __dirname) {" + string(src) + "\n})"
	fnValue, err := l.vm.RunScript(path, wrapped)
	if err != nil {
		delete(l.cache, path)
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		delete(l.cache, path)
		return nil, fmt.Errorf("module %s did not compile to a function", path)
	}
	dir := filepath.Dir(path)
	_, err = fn(goja.Undefined(), exports, l.vm.ToValue(l.requireFrom(dir)), module,
		l.vm.ToValue(path), l.vm.ToValue(dir))
	if err != nil {
		delete(l.cache, path)
		return nil, err
	}

	result := module.Get("exports")
	l.cache[path] = result
	return result, nil
}
