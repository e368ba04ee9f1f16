package validate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Severity classifies a rule violation.
type Severity string

const (
	SevError   Severity = "error"
	SevWarning Severity = "warning"
)

// Rule is one field-level validation rule. Path is a JSONPath selector
// evaluated against the consolidated specification's document form; the
// checks apply to every selected value.
type Rule struct {
	ID string `yaml:"id"`
	// Path selects the values under test (e.g. "$.columns[*].name").
	Path string `yaml:"path"`
	// Required fails when the path selects nothing, or only empty values.
	Required bool `yaml:"required,omitempty"`
	// Pattern is a regular expression every selected value must match.
	Pattern string `yaml:"pattern,omitempty"`
	// Enum lists the permitted values.
	Enum []string `yaml:"enum,omitempty"`
	// Severity defaults to error.
	Severity Severity `yaml:"severity,omitempty"`
	// Message overrides the generated violation text.
	Message string `yaml:"message,omitempty"`
}

// Schema is the rule set consumed by Validate. Field-level rules come from
// the schema document; cross-field checks are built in.
type Schema struct {
	// DomainPrefix, when set, requires the domain name to start with the
	// output standard's prefix.
	DomainPrefix string `yaml:"domain_prefix,omitempty"`
	Rules        []Rule `yaml:"rules"`
}

// LoadSchema reads a schema document from path.
func LoadSchema(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return &s, nil
}

// DefaultSchema returns the built-in rule set matching the output standard's
// naming conventions.
func DefaultSchema() *Schema {
	return &Schema{
		Rules: []Rule{
			{
				ID:       "domain-required",
				Path:     "$.domain",
				Required: true,
				Message:  "specification must declare a domain",
			},
			{
				ID:      "domain-pattern",
				Path:    "$.domain",
				Pattern: `^[A-Z]{2}[A-Z0-9]{0,6}$`,
				Message: "domain must be 2-8 uppercase characters",
			},
			{
				ID:       "key-required",
				Path:     "$.key",
				Required: true,
				Message:  "specification must declare key variables",
			},
			{
				ID:      "column-name-pattern",
				Path:    "$.columns[*].name",
				Pattern: `^[A-Z][A-Z0-9_]{0,7}$`,
				Message: "column names are uppercase identifiers of at most 8 characters",
			},
			{
				ID:   "column-type-enum",
				Path: "$.columns[*].type",
				Enum: []string{"string", "integer", "float", "date", "datetime"},
			},
			{
				ID:   "column-core-enum",
				Path: "$.columns[*].core",
				Enum: []string{"required", "expected", "conditional", "permissible"},
			},
			{
				ID:       "column-label-present",
				Path:     "$.columns[*].label",
				Required: true,
				Severity: SevWarning,
				Message:  "columns should carry a human-readable label",
			},
		},
	}
}
