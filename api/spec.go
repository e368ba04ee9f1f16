package api

import (
	"fmt"
	"strings"
)

// Spec is a fully consolidated domain specification.
// It maps source datasets to the columns of one derived output table.
// A Spec is immutable once it has passed validation.
type Spec struct {
	// Domain is the output dataset identifier (e.g. "DM", "AE").
	Domain string `yaml:"domain" json:"domain"`
	// Key lists the column names forming the subject-level join key, in order.
	Key []string `yaml:"key" json:"key"`
	// Primary names the dataset supplying the base row set when no source
	// table carries every key column. Optional.
	Primary string `yaml:"primary,omitempty" json:"primary,omitempty"`
	// PassthroughKeys lists key variables that are accepted without a
	// matching column declaration (e.g. keys injected by the provider).
	PassthroughKeys []string `yaml:"passthrough_keys,omitempty" json:"passthrough_keys,omitempty"`
	// Columns of the output table, in output order.
	Columns []Column `yaml:"columns" json:"columns"`
}

// ColumnByName returns the column declaration with the given name.
func (s *Spec) ColumnByName(name string) (*Column, bool) {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i], true
		}
	}
	return nil, false
}

// ValueType is the declared type of an output column.
type ValueType string

const (
	TypeString   ValueType = "string"
	TypeInteger  ValueType = "integer"
	TypeFloat    ValueType = "float"
	TypeDate     ValueType = "date"
	TypeDateTime ValueType = "datetime"
)

// ValueTypes lists every accepted column type.
var ValueTypes = []ValueType{TypeString, TypeInteger, TypeFloat, TypeDate, TypeDateTime}

// Requirement is the CDISC-style core designation of a column.
type Requirement string

const (
	// ReqRequired columns are mandated by the output standard.
	ReqRequired Requirement = "required"
	// ReqExpected columns are mandated by the sponsor organization.
	ReqExpected Requirement = "expected"
	// ReqConditional columns are expected when their triggering condition holds.
	ReqConditional Requirement = "conditional"
	// ReqPermissible columns are optional.
	ReqPermissible Requirement = "permissible"
)

// Requirements lists every accepted requirement level.
var Requirements = []Requirement{ReqRequired, ReqExpected, ReqConditional, ReqPermissible}

// Column describes one output column and how to derive it.
// Exactly one derivation variant (Constant, Source, Aggregate, Categorize,
// When, Function) must be set; the loader rejects anything else.
type Column struct {
	// Name of the output column. Uppercase, at most 8 characters.
	Name string `yaml:"name" json:"name"`
	// Label is the human-readable description.
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
	// Type declared for the output values.
	Type ValueType `yaml:"type,omitempty" json:"type,omitempty"`
	// Core is the requirement level.
	Core Requirement `yaml:"core,omitempty" json:"core,omitempty"`
	// Filter restricts the working row set before derivation.
	// A boolean SQL expression over qualified column references.
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`

	// Derivation variants. Exactly one is non-zero.
	Constant   *Constant   `yaml:"constant,omitempty" json:"constant,omitempty"`
	Source     *Source     `yaml:"source,omitempty" json:"source,omitempty"`
	Aggregate  *Aggregate  `yaml:"aggregate,omitempty" json:"aggregate,omitempty"`
	Categorize *Categorize `yaml:"categorize,omitempty" json:"categorize,omitempty"`
	When       []CaseRule  `yaml:"when,omitempty" json:"when,omitempty"`
	Function   *FuncCall   `yaml:"function,omitempty" json:"function,omitempty"`

	// Default supplies the fall-through value for When and Categorize.
	Default *string `yaml:"default,omitempty" json:"default,omitempty"`

	// Substring slices the source value before recoding (0-based start).
	Substring *Substring `yaml:"substring,omitempty" json:"substring,omitempty"`
	// Prefix is prepended to every non-null value after recoding.
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	// MaxMissingPct triggers a warning when the derived column exceeds
	// this percentage of missing values.
	MaxMissingPct *float64 `yaml:"max_missing_pct,omitempty" json:"max_missing_pct,omitempty"`
	// Sequence marks the column for the post-derivation numbering pass.
	Sequence *Sequence `yaml:"sequence,omitempty" json:"sequence,omitempty"`

	// Drop marks the column for removal during hierarchical merge.
	Drop bool `yaml:"drop,omitempty" json:"drop,omitempty"`
}

// Variant returns the name of the derivation variant set on the column,
// or "" when none is set. More than one set variant returns "ambiguous".
func (c *Column) Variant() string {
	var found []string
	if c.Constant != nil {
		found = append(found, "constant")
	}
	if c.Source != nil {
		found = append(found, "source")
	}
	if c.Aggregate != nil {
		found = append(found, "aggregate")
	}
	if c.Categorize != nil {
		found = append(found, "categorize")
	}
	if len(c.When) > 0 {
		found = append(found, "when")
	}
	if c.Function != nil {
		found = append(found, "function")
	}
	if c.Sequence != nil {
		found = append(found, "sequence")
	}
	switch len(found) {
	case 0:
		return ""
	case 1:
		return found[0]
	default:
		return "ambiguous"
	}
}

// Constant broadcasts one literal to every output row.
type Constant struct {
	Value any `yaml:"value" json:"value"`
}

// UnmappedPolicy says what a recoding does with values absent from the map.
type UnmappedPolicy string

const (
	// UnmappedPassthrough keeps the original value.
	UnmappedPassthrough UnmappedPolicy = "passthrough"
	// UnmappedNull nulls the value.
	UnmappedNull UnmappedPolicy = "null"
	// UnmappedError fails the column derivation.
	UnmappedError UnmappedPolicy = "error"
)

// Source copies a value from a referenced column, optionally recoded.
// Ref may be qualified ("dm.SEX") or bare, in which case it names a column
// already derived earlier in the output table.
type Source struct {
	Ref string `yaml:"ref" json:"ref"`
	// Recode maps source values to output values.
	Recode map[string]string `yaml:"recode,omitempty" json:"recode,omitempty"`
	// Unmapped selects the policy for values not in Recode.
	// Defaults to passthrough when a recode map is present.
	Unmapped UnmappedPolicy `yaml:"unmapped,omitempty" json:"unmapped,omitempty"`
	// UnmappedRef names a column whose value substitutes for unmapped
	// inputs, instead of a policy.
	UnmappedRef string `yaml:"unmapped_ref,omitempty" json:"unmapped_ref,omitempty"`
	// Take breaks ties when more than one source row matches a key:
	// "first" or "last" in OrderBy order. Without it multiplicity is fatal.
	Take string `yaml:"take,omitempty" json:"take,omitempty"`
	// OrderBy is the qualified reference ordering candidate rows for Take.
	OrderBy string `yaml:"order_by,omitempty" json:"order_by,omitempty"`
}

// AggFunc names an aggregation function.
type AggFunc string

const (
	AggFirst   AggFunc = "first"
	AggLast    AggFunc = "last"
	AggMean    AggFunc = "mean"
	AggMedian  AggFunc = "median"
	AggMin     AggFunc = "min"
	AggMax     AggFunc = "max"
	AggSum     AggFunc = "sum"
	AggCount   AggFunc = "count"
	AggClosest AggFunc = "closest"
)

// AggFuncs lists every accepted aggregation function.
var AggFuncs = []AggFunc{AggFirst, AggLast, AggMean, AggMedian, AggMin, AggMax, AggSum, AggCount, AggClosest}

// TieBreak resolves equidistant candidates for the closest aggregation.
type TieBreak string

const (
	// TieLowest prefers the smaller candidate value.
	TieLowest TieBreak = "lowest"
	// TieHighest prefers the larger candidate value.
	TieHighest TieBreak = "highest"
)

// Aggregate groups a referenced column by key and reduces each group.
type Aggregate struct {
	// Ref is the qualified reference to aggregate.
	Ref string `yaml:"ref" json:"ref"`
	// Fn is the aggregation function.
	Fn AggFunc `yaml:"fn" json:"fn"`
	// Filter restricts source rows before grouping. SQL expression.
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`
	// OrderBy orders rows within a group for first/last.
	OrderBy string `yaml:"order_by,omitempty" json:"order_by,omitempty"`
	// ClosestTo is the per-key reference point for fn: closest.
	// A qualified reference or a literal number.
	ClosestTo string `yaml:"closest_to,omitempty" json:"closest_to,omitempty"`
	// TieBreak is mandatory for fn: closest.
	TieBreak TieBreak `yaml:"tie_break,omitempty" json:"tie_break,omitempty"`
}

// Cut is one categorization rule: values strictly below Lt get Label.
type Cut struct {
	Lt    float64 `yaml:"lt" json:"lt"`
	Label string  `yaml:"label" json:"label"`
}

// Categorize bins a numeric reference through ordered first-match cuts.
type Categorize struct {
	// Ref is the numeric input: qualified, or bare for an earlier output column.
	Ref  string `yaml:"ref" json:"ref"`
	Cuts []Cut  `yaml:"cuts" json:"cuts"`
}

// CaseRule is one (predicate, result) arm of a conditional derivation.
type CaseRule struct {
	// If is a boolean SQL expression over qualified column references.
	If string `yaml:"if" json:"if"`
	// Then is the literal result for matching rows.
	Then string `yaml:"then" json:"then"`
}

// FuncCall derives a column through a registered or project-local function.
// A dotted Name ("stats.zscore") resolves against the registry; a bare Name
// resolves to a function file in the configured local directory.
type FuncCall struct {
	Name string `yaml:"name" json:"name"`
	// Args maps argument names to column references or literals.
	// String values containing a qualified or known output column reference
	// resolve to a column of values; everything else passes through as is.
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// Substring slices string values: 0-based Start, Length runes.
type Substring struct {
	Start  int `yaml:"start" json:"start"`
	Length int `yaml:"length" json:"length"`
}

// Sequence configures the post-derivation numbering pass: rows are grouped
// by Group, ordered by Sort, and numbered from 1 within each group.
type Sequence struct {
	Group []string `yaml:"group" json:"group"`
	Sort  []string `yaml:"sort,omitempty" json:"sort,omitempty"`
}

// SplitRef splits a qualified reference into dataset and column.
// A bare reference returns dataset "".
func SplitRef(ref string) (dataset, column string) {
	i := strings.IndexByte(ref, '.')
	if i < 0 {
		return "", ref
	}
	return ref[:i], ref[i+1:]
}

// QualifyRef builds the qualified form of a column reference.
func QualifyRef(dataset, column string) string {
	return fmt.Sprintf("%s.%s", dataset, column)
}
