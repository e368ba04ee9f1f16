package specload

import (
	"regexp"
	"sort"

	"github.com/trialforge/cdiscbuild/api"
)

// Dataset names are lowercase identifiers; the qualified form is
// {dataset}.{column}. The pattern deliberately excludes numeric literals
// like 1.5 inside SQL expressions.
var qualifiedRef = regexp.MustCompile(`\b([a-z][a-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)`)

// Dependencies returns the sorted set of distinct source dataset names
// referenced anywhere in the specification: source refs, aggregation refs
// and reference points, filter and conditional predicates, and function
// arguments. Callers load exactly these tables before a build.
func Dependencies(spec *api.Spec) []string {
	set := map[string]bool{}

	addRef := func(ref string) {
		ds, _ := api.SplitRef(ref)
		if ds != "" {
			set[ds] = true
		}
	}
	addExpr := func(expr string) {
		for _, m := range qualifiedRef.FindAllStringSubmatch(expr, -1) {
			set[m[1]] = true
		}
	}

	if spec.Primary != "" {
		set[spec.Primary] = true
	}

	for i := range spec.Columns {
		col := &spec.Columns[i]
		addExpr(col.Filter)
		switch {
		case col.Source != nil:
			addRef(col.Source.Ref)
			addRef(col.Source.OrderBy)
			addRef(col.Source.UnmappedRef)
		case col.Aggregate != nil:
			addRef(col.Aggregate.Ref)
			addRef(col.Aggregate.OrderBy)
			// ClosestTo may be a numeric literal rather than a reference.
			addExpr(col.Aggregate.ClosestTo)
			addExpr(col.Aggregate.Filter)
		case col.Categorize != nil:
			addRef(col.Categorize.Ref)
		case len(col.When) > 0:
			for _, arm := range col.When {
				addExpr(arm.If)
			}
		case col.Function != nil:
			for _, v := range col.Function.Args {
				if s, ok := v.(string); ok && qualifiedRef.MatchString(s) {
					addExpr(s)
				}
			}
		}
	}

	out := make([]string, 0, len(set))
	for ds := range set {
		out = append(out, ds)
	}
	sort.Strings(out)
	return out
}

// ExprDatasets returns the sorted distinct dataset names referenced inside
// one SQL expression.
func ExprDatasets(expr string) []string {
	set := map[string]bool{}
	for _, m := range qualifiedRef.FindAllStringSubmatch(expr, -1) {
		set[m[1]] = true
	}
	out := make([]string, 0, len(set))
	for ds := range set {
		out = append(out, ds)
	}
	sort.Strings(out)
	return out
}

// ExprRefs returns every {dataset, column} pair referenced inside one SQL
// expression, in match order.
func ExprRefs(expr string) [][2]string {
	var out [][2]string
	for _, m := range qualifiedRef.FindAllStringSubmatch(expr, -1) {
		out = append(out, [2]string{m[1], m[2]})
	}
	return out
}

// IsQualified reports whether s has the {dataset}.{column} shape.
func IsQualified(s string) bool {
	ds, _ := api.SplitRef(s)
	return ds != "" && qualifiedRef.MatchString(s)
}
