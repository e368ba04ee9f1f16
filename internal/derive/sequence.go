package derive

import (
	"fmt"
	"sort"
	"strings"

	"github.com/trialforge/cdiscbuild/api"
	"github.com/trialforge/cdiscbuild/internal/frame"
)

// sequenceColumn numbers rows 1..n within each group after every other
// column has been derived. Group and sort references name output columns
// (key variables included); sort order is ascending, numeric when both
// values convert, lexical otherwise, with nulls first.
func (st *buildState) sequenceColumn(col *api.Column) ([]any, error) {
	seq := col.Sequence
	if len(seq.Group) == 0 {
		return nil, fmt.Errorf("sequence column declares no group")
	}

	groupCols := make([][]any, len(seq.Group))
	for i, name := range seq.Group {
		vals, err := st.outputColumn(name)
		if err != nil {
			return nil, fmt.Errorf("group column %s: %w", name, err)
		}
		groupCols[i] = vals
	}
	sortCols := make([][]any, len(seq.Sort))
	for i, name := range seq.Sort {
		vals, err := st.outputColumn(name)
		if err != nil {
			return nil, fmt.Errorf("sort column %s: %w", name, err)
		}
		sortCols[i] = vals
	}

	groups := map[string][]int{}
	for row := 0; row < st.base.NumRows(); row++ {
		parts := make([]string, len(groupCols))
		for i, vals := range groupCols {
			if vals[row] != nil {
				parts[i] = fmt.Sprintf("%v", vals[row])
			}
		}
		key := strings.Join(parts, "\x1f")
		groups[key] = append(groups[key], row)
	}

	values := make([]any, st.base.NumRows())
	for _, rows := range groups {
		sort.SliceStable(rows, func(a, b int) bool {
			for _, vals := range sortCols {
				if c := compareCells(vals[rows[a]], vals[rows[b]]); c != 0 {
					return c < 0
				}
			}
			return false
		})
		for n, row := range rows {
			values[row] = int64(n + 1)
		}
	}
	return values, nil
}

// outputColumn reads a derived output column or a base key column.
func (st *buildState) outputColumn(name string) ([]any, error) {
	if vals, ok := st.out.Column(name); ok {
		return vals, nil
	}
	if vals, ok := st.base.Column(name); ok {
		return vals, nil
	}
	return nil, fmt.Errorf("column %s not present in the output table", name)
}

func compareCells(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	fa, aok := frame.AsFloat(a)
	fb, bok := frame.AsFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}
