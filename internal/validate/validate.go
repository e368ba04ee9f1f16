// Package validate checks a consolidated specification against a schema
// definition. Validation is a pure function: it never mutates the spec,
// collects every violation instead of stopping at the first, and separates
// hard errors (spec cannot execute) from warnings (spec is suspect).
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/trialforge/cdiscbuild/api"
	"github.com/trialforge/cdiscbuild/internal/specload"
)

// Issue is one rule violation, with enough context to locate the rule.
type Issue struct {
	RuleID  string
	Path    string
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s", i.RuleID, i.Path, i.Message)
}

// Result collects all violations from one validation run.
// A specification with zero errors is executable even with warnings.
type Result struct {
	Errors   []Issue
	Warnings []Issue
}

// OK reports whether the specification can be executed.
func (r *Result) OK() bool { return len(r.Errors) == 0 }

func (r *Result) add(sev Severity, issue Issue) {
	if sev == SevWarning {
		r.Warnings = append(r.Warnings, issue)
		return
	}
	r.Errors = append(r.Errors, issue)
}

// Validate runs every schema rule and the built-in cross-field checks
// against the fully consolidated specification. Inherited-then-overridden
// values are judged in their final state only.
func Validate(spec *api.Spec, schema *Schema) (*Result, error) {
	doc, err := specload.Docify(spec)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, rule := range schema.Rules {
		if err := applyRule(doc, rule, res); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	if schema.DomainPrefix != "" && !strings.HasPrefix(spec.Domain, schema.DomainPrefix) {
		res.add(SevError, Issue{
			RuleID:  "domain-prefix",
			Path:    "$.domain",
			Message: fmt.Sprintf("domain %q must start with standard prefix %q", spec.Domain, schema.DomainPrefix),
		})
	}
	crossFieldChecks(spec, res)
	return res, nil
}

func applyRule(doc map[string]any, rule Rule, res *Result) error {
	sev := rule.Severity
	if sev == "" {
		sev = SevError
	}
	expr, err := jp.ParseString(rule.Path)
	if err != nil {
		return fmt.Errorf("invalid jsonpath %q: %w", rule.Path, err)
	}
	values := expr.Get(doc)

	if rule.Required {
		want := 1
		if parent, ok := parentCollection(rule.Path); ok {
			pexpr, err := jp.ParseString(parent)
			if err != nil {
				return fmt.Errorf("invalid jsonpath %q: %w", parent, err)
			}
			want = len(pexpr.Get(doc))
		}
		present := 0
		for _, v := range values {
			if v != nil && fmt.Sprintf("%v", v) != "" && fmt.Sprintf("%v", v) != "[]" {
				present++
			}
		}
		if present < want {
			res.add(sev, Issue{RuleID: rule.ID, Path: rule.Path, Message: message(rule, "required value missing")})
		}
	}

	if rule.Pattern != "" {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", rule.Pattern, err)
		}
		for _, v := range values {
			s := fmt.Sprintf("%v", v)
			if !re.MatchString(s) {
				res.add(sev, Issue{
					RuleID:  rule.ID,
					Path:    rule.Path,
					Message: message(rule, fmt.Sprintf("value %q does not match %s", s, rule.Pattern)),
				})
			}
		}
	}

	if len(rule.Enum) > 0 {
		allowed := map[string]bool{}
		for _, e := range rule.Enum {
			allowed[e] = true
		}
		for _, v := range values {
			s := fmt.Sprintf("%v", v)
			if !allowed[s] {
				res.add(sev, Issue{
					RuleID:  rule.ID,
					Path:    rule.Path,
					Message: message(rule, fmt.Sprintf("value %q not in %v", s, rule.Enum)),
				})
			}
		}
	}
	return nil
}

// parentCollection rewrites "$.columns[*].label" to "$.columns[*]" so a
// required rule can demand one value per collection element.
func parentCollection(path string) (string, bool) {
	i := strings.LastIndex(path, "].")
	if i < 0 {
		return "", false
	}
	return path[:i+1], true
}

func message(rule Rule, fallback string) string {
	if rule.Message != "" {
		return rule.Message
	}
	return fallback
}

func crossFieldChecks(spec *api.Spec, res *Result) {
	declared := map[string]bool{}
	for i := range spec.Columns {
		col := &spec.Columns[i]
		path := fmt.Sprintf("%s.%s", spec.Domain, col.Name)

		if declared[col.Name] {
			res.add(SevError, Issue{RuleID: "column-duplicate", Path: path, Message: "column declared more than once"})
		}
		declared[col.Name] = true

		checkPred := func(rule, expr string) {
			if err := CheckPredicate(expr); err != nil {
				res.add(SevError, Issue{RuleID: rule, Path: path, Message: err.Error()})
			}
		}
		checkPred("filter-syntax", col.Filter)

		switch {
		case col.Source != nil:
			s := col.Source
			if s.Ref == "" {
				res.add(SevError, Issue{RuleID: "source-ref", Path: path, Message: "source derivation needs a ref"})
			}
			if s.Unmapped != "" && s.UnmappedRef != "" {
				res.add(SevError, Issue{RuleID: "source-unmapped", Path: path, Message: "unmapped and unmapped_ref are mutually exclusive"})
			}
			switch s.Unmapped {
			case "", api.UnmappedPassthrough, api.UnmappedNull, api.UnmappedError:
			default:
				res.add(SevError, Issue{RuleID: "source-unmapped", Path: path,
					Message: fmt.Sprintf("unknown unmapped policy %q", s.Unmapped)})
			}
			switch s.Take {
			case "", "first", "last":
			default:
				res.add(SevError, Issue{RuleID: "source-take", Path: path,
					Message: fmt.Sprintf("take must be first or last, got %q", s.Take)})
			}
		case col.Aggregate != nil:
			a := col.Aggregate
			known := false
			for _, fn := range api.AggFuncs {
				if a.Fn == fn {
					known = true
					break
				}
			}
			if !known {
				res.add(SevError, Issue{RuleID: "aggregate-fn", Path: path,
					Message: fmt.Sprintf("unknown aggregation function %q", a.Fn)})
			}
			if a.Fn == api.AggClosest {
				if a.ClosestTo == "" {
					res.add(SevError, Issue{RuleID: "aggregate-closest", Path: path,
						Message: "closest aggregation needs a closest_to reference point"})
				}
				// Ties without a declared rule are a spec error, never a
				// runtime guess.
				if a.TieBreak != api.TieLowest && a.TieBreak != api.TieHighest {
					res.add(SevError, Issue{RuleID: "aggregate-tiebreak", Path: path,
						Message: "closest aggregation needs tie_break: lowest or highest"})
				}
			}
			checkPred("aggregate-filter-syntax", a.Filter)
		case len(col.When) > 0:
			for j, arm := range col.When {
				if arm.If == "" {
					res.add(SevError, Issue{RuleID: "when-predicate", Path: path,
						Message: fmt.Sprintf("when[%d] has no predicate", j)})
					continue
				}
				checkPred("when-syntax", arm.If)
			}
			if col.Default == nil {
				res.add(SevWarning, Issue{RuleID: "when-default", Path: path,
					Message: "conditional without a default falls through to null"})
			}
		case col.Categorize != nil:
			if len(col.Categorize.Cuts) == 0 {
				res.add(SevError, Issue{RuleID: "categorize-cuts", Path: path, Message: "categorization declares no cuts"})
			}
		case col.Function != nil:
			if col.Function.Name == "" {
				res.add(SevError, Issue{RuleID: "function-name", Path: path, Message: "function derivation needs a name"})
			}
		}
	}

	passthrough := map[string]bool{}
	for _, k := range spec.PassthroughKeys {
		passthrough[k] = true
	}
	for _, k := range spec.Key {
		if !declared[k] && !passthrough[k] {
			res.add(SevError, Issue{
				RuleID:  "key-declared",
				Path:    "$.key",
				Message: fmt.Sprintf("key variable %s is neither declared as a column nor whitelisted as a pass-through key", k),
			})
		}
	}
}
