package specload

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/trialforge/cdiscbuild/api"
)

// Parse decodes a consolidated generic document into a typed Spec.
// Unknown fields and ambiguous derivation shapes are rejected here, at load
// time, so executors never see a malformed rule.
func Parse(doc map[string]any) (*api.Spec, error) {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-serialize document: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var spec api.Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parse specification document: %w", err)
	}

	if spec.Domain == "" {
		return nil, fmt.Errorf("specification has no domain")
	}
	if len(spec.Key) == 0 {
		return nil, fmt.Errorf("specification %s declares no key variables", spec.Domain)
	}
	for i := range spec.Columns {
		col := &spec.Columns[i]
		if col.Name == "" {
			return nil, fmt.Errorf("%s: columns[%d] has no name", spec.Domain, i)
		}
		switch col.Variant() {
		case "":
			return nil, fmt.Errorf("%s.%s: no derivation rule declared", spec.Domain, col.Name)
		case "ambiguous":
			return nil, fmt.Errorf("%s.%s: more than one derivation rule declared", spec.Domain, col.Name)
		}
	}
	return &spec, nil
}

// Docify converts a typed Spec back to its generic document form, as used
// by JSONPath-addressed validation rules.
func Docify(spec *api.Spec) (map[string]any, error) {
	raw, err := yaml.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("serialize specification: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("reparse specification: %w", err)
	}
	return doc, nil
}
