package derive

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/trialforge/cdiscbuild/api"
	"github.com/trialforge/cdiscbuild/internal/frame"
	"github.com/trialforge/cdiscbuild/internal/funcs"
	"github.com/trialforge/cdiscbuild/internal/specload"
)

func (st *buildState) execConstant(col *api.Column) ([]any, error) {
	values := make([]any, st.base.NumRows())
	for i := range values {
		values[i] = col.Constant.Value
	}
	return values, nil
}

// resolveColumn returns one value per base row for a reference. A bare
// reference names an already-derived output column or a base key column; a
// qualified reference fetches the first matching source row per key.
func (st *buildState) resolveColumn(ref string) ([]any, error) {
	ds, column := api.SplitRef(ref)
	if ds == "" {
		if vals, ok := st.out.Column(column); ok {
			return append([]any(nil), vals...), nil
		}
		if vals, ok := st.base.Column(column); ok {
			return append([]any(nil), vals...), nil
		}
		return nil, fmt.Errorf("reference %s is neither an earlier output column nor a key column", ref)
	}
	groups, err := st.perKey(ds, column, "", "")
	if err != nil {
		return nil, err
	}
	values := make([]any, st.base.NumRows())
	for i := range values {
		if g := groups[st.base.KeyString(i)]; len(g) > 0 {
			values[i] = g[0]
		}
	}
	return values, nil
}

// perKey groups one source column by the spec's key variables.
func (st *buildState) perKey(dataset, column, filter, orderBy string) (map[string][]any, error) {
	return st.eng.GroupColumn(dataset, column, st.spec.Key, filter, orderBy)
}

func (st *buildState) execSource(col *api.Column) ([]any, error) {
	src := col.Source
	ds, column := api.SplitRef(src.Ref)

	var values []any
	if ds == "" {
		resolved, err := st.resolveColumn(src.Ref)
		if err != nil {
			return nil, err
		}
		values = resolved
	} else {
		orderBy := ""
		if src.OrderBy != "" {
			_, orderBy = api.SplitRef(src.OrderBy)
		}
		// The column filter scopes which source rows are candidates, so a
		// filter that pins down one row is not a multiplicity error.
		groups, err := st.perKey(ds, column, col.Filter, orderBy)
		if err != nil {
			return nil, err
		}
		values = make([]any, st.base.NumRows())
		for i := range values {
			g := groups[st.base.KeyString(i)]
			switch {
			case len(g) == 0:
				values[i] = nil
			case len(g) == 1:
				values[i] = g[0]
			case src.Take == "first":
				values[i] = g[0]
			case src.Take == "last":
				values[i] = g[len(g)-1]
			default:
				return nil, fatalf("%d source rows for key %q in %s and no declared tie-break",
					len(g), st.base.KeyString(i), src.Ref)
			}
		}
	}

	if col.Substring != nil {
		for i, v := range values {
			if v == nil {
				continue
			}
			values[i] = substring(fmt.Sprintf("%v", v), col.Substring.Start, col.Substring.Length)
		}
	}

	if len(src.Recode) > 0 {
		var fallback []any
		if src.UnmappedRef != "" {
			resolved, err := st.resolveColumn(src.UnmappedRef)
			if err != nil {
				return nil, fmt.Errorf("unmapped_ref: %w", err)
			}
			fallback = resolved
		}
		for i, v := range values {
			if v == nil {
				continue
			}
			s := fmt.Sprintf("%v", v)
			if mapped, ok := src.Recode[s]; ok {
				values[i] = mapped
				continue
			}
			switch {
			case fallback != nil:
				values[i] = fallback[i]
			case src.Unmapped == api.UnmappedNull:
				values[i] = nil
			case src.Unmapped == api.UnmappedError:
				return nil, fmt.Errorf("value %q of %s has no recode mapping", s, src.Ref)
			default:
				// passthrough
			}
		}
	}

	return values, nil
}

// combineFilters joins two optional predicates with AND.
func combineFilters(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return fmt.Sprintf("(%s) AND (%s)", a, b)
	}
}

var sqlAggFns = map[api.AggFunc]string{
	api.AggMean:  "AVG",
	api.AggMin:   "MIN",
	api.AggMax:   "MAX",
	api.AggSum:   "SUM",
	api.AggCount: "COUNT",
}

func (st *buildState) execAggregate(col *api.Column) ([]any, error) {
	agg := col.Aggregate
	ds, column := api.SplitRef(agg.Ref)
	if ds == "" {
		return nil, fmt.Errorf("aggregation ref %s must be qualified", agg.Ref)
	}

	// Both the column filter and the aggregation's own pre-filter restrict
	// which source rows enter the aggregate.
	filter := combineFilters(col.Filter, agg.Filter)

	values := make([]any, st.base.NumRows())

	if sqlFn, ok := sqlAggFns[agg.Fn]; ok {
		results, err := st.eng.Aggregate(ds, column, st.spec.Key, sqlFn, filter)
		if err != nil {
			return nil, err
		}
		for i := range values {
			v, ok := results[st.base.KeyString(i)]
			switch {
			case ok:
				values[i] = v
			case agg.Fn == api.AggCount:
				values[i] = int64(0)
			}
		}
		return values, nil
	}

	orderBy := ""
	if agg.OrderBy != "" {
		_, orderBy = api.SplitRef(agg.OrderBy)
	}
	groups, err := st.perKey(ds, column, filter, orderBy)
	if err != nil {
		return nil, err
	}

	switch agg.Fn {
	case api.AggFirst:
		for i := range values {
			if g := groups[st.base.KeyString(i)]; len(g) > 0 {
				values[i] = g[0]
			}
		}
	case api.AggLast:
		for i := range values {
			if g := groups[st.base.KeyString(i)]; len(g) > 0 {
				values[i] = g[len(g)-1]
			}
		}
	case api.AggMedian:
		for i := range values {
			values[i] = median(groups[st.base.KeyString(i)])
		}
	case api.AggClosest:
		refs, err := st.closestReferences(agg)
		if err != nil {
			return nil, err
		}
		for i := range values {
			ks := st.base.KeyString(i)
			ref, ok := refs[ks]
			if !ok {
				continue
			}
			values[i] = closest(groups[ks], ref, agg.TieBreak)
		}
	default:
		return nil, fmt.Errorf("unknown aggregation function %q", agg.Fn)
	}
	return values, nil
}

// closestReferences resolves the per-key reference point for fn: closest,
// from a qualified reference or a numeric literal.
func (st *buildState) closestReferences(agg *api.Aggregate) (map[string]float64, error) {
	out := map[string]float64{}
	if specload.IsQualified(agg.ClosestTo) {
		ds, column := api.SplitRef(agg.ClosestTo)
		groups, err := st.perKey(ds, column, "", "")
		if err != nil {
			return nil, err
		}
		for ks, g := range groups {
			if len(g) == 0 {
				continue
			}
			if f, ok := frame.AsFloat(g[0]); ok {
				out[ks] = f
			}
		}
		return out, nil
	}
	lit, err := strconv.ParseFloat(agg.ClosestTo, 64)
	if err != nil {
		return nil, fmt.Errorf("closest_to %q is neither a qualified reference nor a number", agg.ClosestTo)
	}
	for i := 0; i < st.base.NumRows(); i++ {
		out[st.base.KeyString(i)] = lit
	}
	return out, nil
}

// closest picks the candidate nearest to ref. Equidistant candidates
// resolve by the declared tie-break, never by input ordering.
func closest(candidates []any, ref float64, tie api.TieBreak) any {
	var (
		best     any
		bestVal  float64
		bestDist = math.Inf(1)
	)
	for _, c := range candidates {
		v, ok := frame.AsFloat(c)
		if !ok {
			continue
		}
		d := math.Abs(v - ref)
		switch {
		case d < bestDist:
			best, bestVal, bestDist = c, v, d
		case d == bestDist:
			if (tie == api.TieLowest && v < bestVal) || (tie == api.TieHighest && v > bestVal) {
				best, bestVal = c, v
			}
		}
	}
	return best
}

func median(group []any) any {
	var nums []float64
	for _, v := range group {
		if f, ok := frame.AsFloat(v); ok {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return nil
	}
	sort.Float64s(nums)
	mid := len(nums) / 2
	if len(nums)%2 == 1 {
		return nums[mid]
	}
	return (nums[mid-1] + nums[mid]) / 2
}

func (st *buildState) execCategorize(col *api.Column) ([]any, error) {
	input, err := st.resolveColumn(col.Categorize.Ref)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(input))
	for i, v := range input {
		if v == nil {
			continue
		}
		f, ok := frame.AsFloat(v)
		if !ok {
			continue
		}
		matched := false
		for _, cut := range col.Categorize.Cuts {
			if f < cut.Lt {
				values[i] = cut.Label
				matched = true
				break
			}
		}
		if !matched && col.Default != nil {
			values[i] = *col.Default
		}
	}
	return values, nil
}

func (st *buildState) execWhen(col *api.Column) ([]any, error) {
	values := make([]any, st.base.NumRows())
	assigned := make([]bool, st.base.NumRows())
	for _, arm := range col.When {
		matched, err := st.eng.EvalFilter(arm.If, specload.ExprDatasets(arm.If), st.base)
		if err != nil {
			return nil, fmt.Errorf("evaluate predicate %q: %w", arm.If, err)
		}
		for i := range values {
			if !assigned[i] && matched.Contains(uint32(i)) {
				values[i] = arm.Then
				assigned[i] = true
			}
		}
	}
	if col.Default != nil {
		for i := range values {
			if !assigned[i] {
				values[i] = *col.Default
			}
		}
	}
	return values, nil
}

func (st *buildState) execFunction(col *api.Column) ([]any, error) {
	fn, err := st.builder.Registry.Resolve(col.Function.Name)
	if err != nil {
		var ue *funcs.UnresolvedError
		if errors.As(err, &ue) {
			return nil, &FatalError{Err: err}
		}
		return nil, &FatalError{Err: fmt.Errorf("resolve function %q: %w", col.Function.Name, err)}
	}

	args := make(map[string]any, len(col.Function.Args))
	for name, raw := range col.Function.Args {
		s, isString := raw.(string)
		switch {
		case isString && specload.IsQualified(s):
			resolved, err := st.resolveColumn(s)
			if err != nil {
				return nil, fmt.Errorf("argument %s: %w", name, err)
			}
			args[name] = resolved
		case isString && (st.out.HasColumn(s) || st.base.HasColumn(s)):
			resolved, err := st.resolveColumn(s)
			if err != nil {
				return nil, fmt.Errorf("argument %s: %w", name, err)
			}
			args[name] = resolved
		default:
			args[name] = raw
		}
	}

	result, err := fn(args)
	if err != nil {
		return nil, fmt.Errorf("function %q: %w", col.Function.Name, err)
	}
	if len(result) != st.base.NumRows() {
		return nil, fmt.Errorf("function %q returned %d values, base table has %d rows",
			col.Function.Name, len(result), st.base.NumRows())
	}
	return result, nil
}

func substring(s string, start, length int) string {
	runes := []rune(s)
	if start < 0 || start >= len(runes) || length <= 0 {
		return ""
	}
	end := start + length
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:end])
}
