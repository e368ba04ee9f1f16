// Package specload resolves a specification file and its parent chain into
// one consolidated, typed api.Spec. Consolidation is depth-first: every
// parent is fully resolved before merging into its child, and the child
// document merges last so its values win over all ancestors.
package specload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trialforge/cdiscbuild/api"
	"github.com/trialforge/cdiscbuild/internal/merge"
)

// CycleError reports a circular parent reference. The chain lists the files
// in resolution order ending at the repeated one.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular parent reference: %s", strings.Join(e.Chain, " -> "))
}

var mergeOpts = merge.Options{Keys: map[string]string{"columns": "name"}}

// Load resolves path and its parents into a consolidated Spec.
// Any structural problem (unreadable file, malformed YAML, missing parent,
// circular chain, unknown document shape) is fatal and aborts immediately.
func Load(path string) (*api.Spec, error) {
	doc, err := Consolidate(path)
	if err != nil {
		return nil, err
	}
	return Parse(doc)
}

// Consolidate resolves path and its parents into the merged generic document
// without typed parsing. The returned document carries no parents field and
// no drop-marked columns.
func Consolidate(path string) (map[string]any, error) {
	doc, err := consolidate(path, nil)
	if err != nil {
		return nil, err
	}
	delete(doc, "parents")
	merge.StripDropped(doc, "columns")
	return doc, nil
}

func consolidate(path string, stack []string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	abs = filepath.Clean(abs)
	for _, seen := range stack {
		if seen == abs {
			return nil, &CycleError{Chain: append(append([]string(nil), stack...), abs)}
		}
	}
	stack = append(stack, abs)

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read specification %s: %w", abs, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse specification %s: %w", abs, err)
	}

	parents, err := parentPaths(doc, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("specification %s: %w", abs, err)
	}

	docs := make([]map[string]any, 0, len(parents)+1)
	for _, parent := range parents {
		pdoc, err := consolidate(parent, stack)
		if err != nil {
			return nil, err
		}
		delete(pdoc, "parents")
		docs = append(docs, pdoc)
	}
	docs = append(docs, doc)

	out, err := merge.Merge(docs, mergeOpts)
	if err != nil {
		return nil, fmt.Errorf("consolidate %s: %w", abs, err)
	}
	return out, nil
}

func parentPaths(doc map[string]any, dir string) ([]string, error) {
	raw, ok := doc["parents"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("parents must be a list, got %T", raw)
	}
	paths := make([]string, 0, len(list))
	for i, p := range list {
		s, ok := p.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("parents[%d] must be a non-empty file reference", i)
		}
		if !filepath.IsAbs(s) {
			s = filepath.Join(dir, s)
		}
		paths = append(paths, s)
	}
	return paths, nil
}

// Save serializes a consolidated specification back to YAML at path.
// The output is a plain document with no parents, so loading it again
// yields the same Spec.
func Save(spec *api.Spec, path string) error {
	out, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("serialize specification: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write specification %s: %w", path, err)
	}
	return nil
}
