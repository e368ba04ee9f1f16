// Package derive executes a consolidated specification against staged
// source tables, producing the output table one column at a time in
// declaration order.
package derive

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"github.com/trialforge/cdiscbuild/api"
	"github.com/trialforge/cdiscbuild/internal/engine"
	"github.com/trialforge/cdiscbuild/internal/frame"
	"github.com/trialforge/cdiscbuild/internal/funcs"
	"github.com/trialforge/cdiscbuild/internal/specload"
)

// Provider supplies source tables. Every non-key column of a returned frame
// must already carry the qualified "{dataset}.{column}" name; declared key
// columns are never renamed.
type Provider interface {
	Load(dataset string) (*frame.Frame, error)
}

// FatalError aborts a build outright: a missing source table, an unresolved
// qualified reference or function name, or a source ambiguity without a
// declared tie-break. Everything else is isolated to its column.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// Builder orchestrates one or more builds. It owns no table state; each
// Build call stages its own engine, so concurrent builds against different
// specifications need no coordination.
type Builder struct {
	Registry *funcs.Registry
	// Logf receives derivation-local diagnostics. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// NewBuilder returns a Builder using the given function registry.
func NewBuilder(registry *funcs.Registry) *Builder {
	return &Builder{Registry: registry, Logf: log.Printf}
}

func (b *Builder) logf(format string, args ...any) {
	if b.Logf != nil {
		b.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Build derives the output table for spec from the provider's tables.
// Columns appear in declaration order, one row per distinct key tuple.
func (b *Builder) Build(spec *api.Spec, provider Provider) (*frame.Frame, error) {
	eng, err := engine.New()
	if err != nil {
		return nil, err
	}
	defer func() { _ = eng.Close() }() // safe to ignore

	deps := specload.Dependencies(spec)
	for _, ds := range deps {
		f, err := provider.Load(ds)
		if err != nil {
			return nil, fatalf("load source dataset %s: %w", ds, err)
		}
		for _, k := range spec.Key {
			if !f.HasColumn(k) {
				return nil, fatalf("source dataset %s is missing key column %s", ds, k)
			}
		}
		if err := eng.Stage(ds, f); err != nil {
			return nil, fatalf("stage source dataset %s: %w", ds, err)
		}
	}

	if err := checkRefs(spec, eng); err != nil {
		return nil, err
	}

	base, err := buildBase(spec, eng, deps)
	if err != nil {
		return nil, err
	}

	st := &buildState{
		builder: b,
		spec:    spec,
		eng:     eng,
		base:    base,
		keyIdx:  base.KeyIndex(),
		out:     frame.New(spec.Key, base.NumRows()),
	}

	for i := range spec.Columns {
		col := &spec.Columns[i]
		if col.Variant() == "sequence" {
			// Placeholder keeps the declared position; the numbering pass
			// fills it once every other column exists.
			if err := st.out.SetColumn(col.Name, nulls(base.NumRows())); err != nil {
				return nil, err
			}
			continue
		}
		values, err := st.deriveColumn(col)
		if err != nil {
			var fe *FatalError
			if errors.As(err, &fe) {
				return nil, fmt.Errorf("%s.%s: %w", spec.Domain, col.Name, err)
			}
			b.logf("derivation failed for %s.%s, filling with nulls: %v", spec.Domain, col.Name, err)
			values = nulls(base.NumRows())
		}
		if err := st.out.SetColumn(col.Name, values); err != nil {
			return nil, err
		}
	}

	for i := range spec.Columns {
		col := &spec.Columns[i]
		if col.Variant() != "sequence" {
			continue
		}
		values, err := st.sequenceColumn(col)
		if err != nil {
			b.logf("sequence numbering failed for %s.%s, filling with nulls: %v", spec.Domain, col.Name, err)
			values = nulls(base.NumRows())
		}
		if err := st.out.SetColumn(col.Name, values); err != nil {
			return nil, err
		}
	}

	return st.out, nil
}

type buildState struct {
	builder *Builder
	spec    *api.Spec
	eng     *engine.Engine
	base    *frame.Frame
	keyIdx  map[string]int
	out     *frame.Frame
}

// deriveColumn runs one column's filter and executor and applies the
// declared post-transformations (prefix, type coercion).
func (st *buildState) deriveColumn(col *api.Column) ([]any, error) {
	sel := st.base.AllRows()
	if col.Filter != "" {
		datasets := specload.ExprDatasets(col.Filter)
		matched, err := st.eng.EvalFilter(col.Filter, datasets, st.base)
		if err != nil {
			return nil, fmt.Errorf("evaluate filter: %w", err)
		}
		sel = matched
	}

	var (
		values []any
		err    error
	)
	switch col.Variant() {
	case "constant":
		values, err = st.execConstant(col)
	case "source":
		values, err = st.execSource(col)
	case "aggregate":
		values, err = st.execAggregate(col)
	case "categorize":
		values, err = st.execCategorize(col)
	case "when":
		values, err = st.execWhen(col)
	case "function":
		values, err = st.execFunction(col)
	default:
		err = fatalf("unknown derivation variant %q", col.Variant())
	}
	if err != nil {
		return nil, err
	}

	// Rows outside the working set stay null.
	for i := range values {
		if !sel.Contains(uint32(i)) {
			values[i] = nil
		}
	}

	if col.Prefix != "" {
		for i, v := range values {
			if v != nil {
				values[i] = col.Prefix + fmt.Sprintf("%v", v)
			}
		}
	}

	mismatches := 0
	for i, v := range values {
		coerced, ok := frame.Coerce(v, col.Type)
		if !ok {
			mismatches++
			coerced = nil
		}
		values[i] = coerced
	}
	if mismatches > 0 {
		st.builder.logf("warning: %s.%s: %d value(s) not convertible to %s, set to null",
			st.spec.Domain, col.Name, mismatches, col.Type)
	}
	st.checkMissing(col, values, sel)
	return values, nil
}

// checkMissing logs the max_missing_pct warning after a column lands.
// Missingness is measured over the working rows only, so rows a column
// filter excludes never count against the threshold.
func (st *buildState) checkMissing(col *api.Column, values []any, sel *roaring.Bitmap) {
	if col.MaxMissingPct == nil || sel.IsEmpty() {
		return
	}
	missing := 0
	it := sel.Iterator()
	for it.HasNext() {
		if values[it.Next()] == nil {
			missing++
		}
	}
	pct := float64(missing) / float64(sel.GetCardinality()) * 100
	if pct > *col.MaxMissingPct {
		st.builder.logf("warning: %s.%s missing %.2f%% (limit %.2f%%)",
			st.spec.Domain, col.Name, pct, *col.MaxMissingPct)
	}
}

// checkRefs verifies every qualified reference resolves to a staged column.
// Unresolved references are fatal before any derivation runs.
func checkRefs(spec *api.Spec, eng *engine.Engine) error {
	check := func(colName, ref string) error {
		ds, column := api.SplitRef(ref)
		if ds == "" {
			return nil
		}
		if !eng.HasColumn(ds, column) {
			return fatalf("%s.%s: unresolved qualified reference %s", spec.Domain, colName, ref)
		}
		return nil
	}
	checkExpr := func(colName, expr string) error {
		for _, ref := range specload.ExprRefs(expr) {
			if !eng.HasColumn(ref[0], ref[1]) {
				return fatalf("%s.%s: unresolved qualified reference %s.%s", spec.Domain, colName, ref[0], ref[1])
			}
		}
		return nil
	}

	for i := range spec.Columns {
		col := &spec.Columns[i]
		if err := checkExpr(col.Name, col.Filter); err != nil {
			return err
		}
		switch {
		case col.Source != nil:
			for _, ref := range []string{col.Source.Ref, col.Source.OrderBy, col.Source.UnmappedRef} {
				if err := check(col.Name, ref); err != nil {
					return err
				}
			}
		case col.Aggregate != nil:
			if err := check(col.Name, col.Aggregate.Ref); err != nil {
				return err
			}
			if err := check(col.Name, col.Aggregate.OrderBy); err != nil {
				return err
			}
			if err := checkExpr(col.Name, col.Aggregate.ClosestTo); err != nil {
				return err
			}
			if err := checkExpr(col.Name, col.Aggregate.Filter); err != nil {
				return err
			}
		case col.Categorize != nil:
			if err := check(col.Name, col.Categorize.Ref); err != nil {
				return err
			}
		case len(col.When) > 0:
			for _, arm := range col.When {
				if err := checkExpr(col.Name, arm.If); err != nil {
					return err
				}
			}
		case col.Function != nil:
			for _, v := range col.Function.Args {
				if s, ok := v.(string); ok && specload.IsQualified(s) {
					if err := check(col.Name, s); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// buildBase assembles the base row set: one row per distinct key tuple.
// With a declared primary dataset the tuples come from it alone; otherwise
// they are the union across every referenced table, in first-seen order.
func buildBase(spec *api.Spec, eng *engine.Engine, deps []string) (*frame.Frame, error) {
	sources := deps
	if spec.Primary != "" {
		if _, ok := eng.Staged(spec.Primary); !ok {
			return nil, fatalf("primary dataset %s is not among the referenced sources", spec.Primary)
		}
		sources = []string{spec.Primary}
	}
	if len(sources) == 0 {
		return nil, fatalf("%s: specification references no source datasets", spec.Domain)
	}

	seen := map[string]bool{}
	tuples := make([][]any, 0)
	for _, ds := range sources {
		f, _ := eng.Staged(ds)
		for i := 0; i < f.NumRows(); i++ {
			tuple := make([]any, len(spec.Key))
			parts := make([]string, len(spec.Key))
			for j, k := range spec.Key {
				vals, _ := f.Column(k)
				tuple[j] = vals[i]
				if vals[i] != nil {
					parts[j] = fmt.Sprintf("%v", vals[i])
				}
			}
			ks := strings.Join(parts, "\x1f")
			if seen[ks] {
				continue
			}
			seen[ks] = true
			tuples = append(tuples, tuple)
		}
	}

	base := frame.New(spec.Key, len(tuples))
	for j, k := range spec.Key {
		col := make([]any, len(tuples))
		for i, tuple := range tuples {
			col[i] = tuple[j]
		}
		if err := base.SetColumn(k, col); err != nil {
			return nil, err
		}
	}
	return base, nil
}

func nulls(n int) []any {
	return make([]any, n)
}
