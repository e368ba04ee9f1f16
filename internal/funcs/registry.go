// Package funcs holds the capability registry for custom derivation
// functions. Dotted names ("stats.zscore") must be registered up front by
// the caller; bare names resolve to Go function files in a configured
// directory, interpreted at first use. The registry is caller-owned with an
// explicit lifetime; nothing here is ambient state.
package funcs

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Func derives one output column from named arguments. Each argument is
// either a column of values ([]any, one per base row) or a scalar literal.
// The returned column must match the base row count.
type Func func(args map[string]any) ([]any, error)

// UnresolvedError reports a function name with no registered or loadable
// implementation.
type UnresolvedError struct {
	Name string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved function %q", e.Name)
}

// The conventional entry point a local function file must define.
// Function files are plain Go sources with a main package clause.
const entrySymbol = "Derive"

// Registry maps function names to callables.
type Registry struct {
	// LocalDir is searched for "<name>.go" when a bare name misses the
	// registered set.
	LocalDir string

	funcs map[string]Func
}

// NewRegistry returns an empty registry resolving bare names against localDir.
func NewRegistry(localDir string) *Registry {
	return &Registry{LocalDir: localDir, funcs: map[string]Func{}}
}

// Register binds name to fn, overwriting any previous binding.
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Resolve returns the callable for name. Bare names fall back to a local
// function file, which is interpreted once and cached in the registry.
func (r *Registry) Resolve(name string) (Func, error) {
	if fn, ok := r.funcs[name]; ok {
		return fn, nil
	}
	if strings.Contains(name, ".") {
		// Dotted names are external capabilities; they never load from disk.
		return nil, &UnresolvedError{Name: name}
	}
	fn, err := r.loadLocal(name)
	if err != nil {
		return nil, err
	}
	r.funcs[name] = fn
	return fn, nil
}

// loadLocal interprets LocalDir/<name>.go and extracts its Derive function.
func (r *Registry) loadLocal(name string) (Func, error) {
	if r.LocalDir == "" {
		return nil, &UnresolvedError{Name: name}
	}
	path := filepath.Join(r.LocalDir, name+".go")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &UnresolvedError{Name: name}
		}
		return nil, fmt.Errorf("stat function file %s: %w", path, err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("function file %s: load stdlib: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("interpret function file %s: %w", path, err)
	}
	v, err := i.Eval(entrySymbol)
	if err != nil {
		return nil, fmt.Errorf("function file %s must define %s(map[string]any) ([]any, error): %w", path, entrySymbol, err)
	}
	return wrapValue(name, v)
}

// wrapValue adapts the interpreted function value to Func via reflection.
func wrapValue(name string, v reflect.Value) (Func, error) {
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, fmt.Errorf("function %q: %s is not a function", name, entrySymbol)
	}
	return func(args map[string]any) ([]any, error) {
		results := v.Call([]reflect.Value{reflect.ValueOf(args)})
		if len(results) != 2 {
			return nil, fmt.Errorf("function %q must return ([]any, error)", name)
		}
		if !results[1].IsNil() {
			e, ok := results[1].Interface().(error)
			if !ok {
				return nil, fmt.Errorf("function %q returned non-error second value", name)
			}
			return nil, e
		}
		col, ok := results[0].Interface().([]any)
		if !ok {
			// Interpreted code may hand back a differently-typed slice.
			rv := results[0]
			if rv.Kind() != reflect.Slice {
				return nil, fmt.Errorf("function %q must return a slice, got %s", name, rv.Kind())
			}
			col = make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				col[i] = rv.Index(i).Interface()
			}
		}
		return col, nil
	}, nil
}
