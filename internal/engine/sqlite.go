// Package engine adapts the pipeline's declarative requests — predicate
// filters, cross-table joins, aggregations — onto an in-memory SQLite
// database. The pipeline never evaluates SQL itself; it stages source frames
// as tables and consumes result sets.
package engine

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
	_ "modernc.org/sqlite"

	"github.com/trialforge/cdiscbuild/internal/frame"
	"github.com/trialforge/cdiscbuild/internal/specload"
)

// Engine owns one in-memory database holding every staged source table.
// Staged tables are read-only snapshots for the duration of one build.
type Engine struct {
	db     *sql.DB
	staged map[string]*frame.Frame
}

// New opens an empty in-memory engine.
func New() (*Engine, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite: %w", err)
	}
	// The database/sql pool would hand each connection its own empty
	// in-memory database. One connection keeps every staged table visible.
	db.SetMaxOpenConns(1)
	return &Engine{db: db, staged: map[string]*frame.Frame{}}, nil
}

// Close releases the underlying database.
func (e *Engine) Close() error { return e.db.Close() }

// Stage creates a table named dataset from f. Frame columns carry the
// qualified "{dataset}.{column}" form; the table stores them under the bare
// column name so SQL predicates can use natural dataset.column references.
// Key columns keep TEXT affinity so identifiers like "001" survive intact;
// everything else gets NUMERIC affinity for numeric comparison.
func (e *Engine) Stage(dataset string, f *frame.Frame) error {
	if _, dup := e.staged[dataset]; dup {
		return fmt.Errorf("dataset %s staged twice", dataset)
	}

	keySet := map[string]bool{}
	for _, k := range f.Keys() {
		keySet[k] = true
	}

	prefix := dataset + "."
	var defs, names []string
	var cols []string // frame column names, in table column order
	for _, name := range f.ColumnNames() {
		bare := strings.TrimPrefix(name, prefix)
		affinity := "NUMERIC"
		if keySet[bare] {
			affinity = "TEXT"
		}
		defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(bare), affinity))
		names = append(names, quoteIdent(bare))
		cols = append(cols, name)
	}
	if len(defs) == 0 {
		return fmt.Errorf("dataset %s has no columns", dataset)
	}

	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(dataset), strings.Join(defs, ", "))
	if _, err := e.db.Exec(create); err != nil {
		return fmt.Errorf("create table %s: %w", dataset, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(dataset), strings.Join(names, ", "), placeholders)
	stmt, err := e.db.Prepare(insert)
	if err != nil {
		return fmt.Errorf("prepare insert %s: %w", dataset, err)
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	for i := 0; i < f.NumRows(); i++ {
		row := make([]any, len(cols))
		for j, name := range cols {
			vals, _ := f.Column(name)
			row[j] = sqlValue(vals[i])
		}
		if _, err := stmt.Exec(row...); err != nil {
			return fmt.Errorf("insert into %s row %d: %w", dataset, i, err)
		}
	}

	e.staged[dataset] = f
	return nil
}

// Staged returns the frame staged under dataset.
func (e *Engine) Staged(dataset string) (*frame.Frame, bool) {
	f, ok := e.staged[dataset]
	return f, ok
}

// HasColumn reports whether the qualified reference resolves to a staged
// column. Key columns resolve unqualified in every staged table.
func (e *Engine) HasColumn(dataset, column string) bool {
	f, ok := e.staged[dataset]
	if !ok {
		return false
	}
	if f.HasColumn(dataset + "." + column) {
		return true
	}
	return f.HasColumn(column) // key columns are never renamed
}

// EvalFilter evaluates expr against the named datasets joined on their
// common key columns, and returns the matching rows of base as a bitmap.
// Key tuples absent from base are ignored.
func (e *Engine) EvalFilter(expr string, datasets []string, base *frame.Frame) (*roaring.Bitmap, error) {
	if len(datasets) == 0 {
		return nil, fmt.Errorf("filter %q references no datasets", expr)
	}
	for _, ds := range datasets {
		if _, ok := e.staged[ds]; !ok {
			return nil, fmt.Errorf("filter %q references unstaged dataset %s", expr, ds)
		}
	}

	keys := base.Keys()
	sel := make([]string, len(keys))
	for i, k := range keys {
		sel[i] = fmt.Sprintf("%s.%s", quoteIdent(datasets[0]), quoteIdent(k))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT DISTINCT %s FROM %s", strings.Join(sel, ", "), quoteIdent(datasets[0]))
	for _, ds := range datasets[1:] {
		shared := e.sharedKeys(datasets[0], ds, keys)
		if len(shared) == 0 {
			return nil, fmt.Errorf("filter %q: datasets %s and %s share no key columns", expr, datasets[0], ds)
		}
		conds := make([]string, len(shared))
		for i, k := range shared {
			conds[i] = fmt.Sprintf("%s.%s = %s.%s",
				quoteIdent(datasets[0]), quoteIdent(k), quoteIdent(ds), quoteIdent(k))
		}
		fmt.Fprintf(&sb, " JOIN %s ON %s", quoteIdent(ds), strings.Join(conds, " AND "))
	}
	fmt.Fprintf(&sb, " WHERE %s", expr)

	rows, err := e.db.Query(sb.String())
	if err != nil {
		return nil, fmt.Errorf("evaluate filter %q: %w", expr, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	idx := base.KeyIndex()
	out := roaring.New()
	cells := make([]any, len(keys))
	ptrs := make([]any, len(keys))
	for i := range cells {
		ptrs[i] = &cells[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan filter result: %w", err)
		}
		if pos, ok := idx[keyString(cells)]; ok {
			out.Add(uint32(pos))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filter results: %w", err)
	}
	return out, nil
}

// GroupColumn returns the values of one dataset column grouped by the key
// columns, ordered by orderBy (a bare column name) or source row order.
// An optional filter predicate restricts rows first; the predicate may
// reference other staged datasets, which join on shared keys.
func (e *Engine) GroupColumn(dataset, column string, keys []string, filter, orderBy string) (map[string][]any, error) {
	if _, ok := e.staged[dataset]; !ok {
		return nil, fmt.Errorf("dataset %s not staged", dataset)
	}
	cond, err := e.rowFilter(dataset, filter, keys)
	if err != nil {
		return nil, err
	}

	sel := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		sel = append(sel, quoteIdent(k))
	}
	sel = append(sel, quoteIdent(column))

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(sel, ", "), quoteIdent(dataset))
	if cond != "" {
		fmt.Fprintf(&sb, " WHERE %s", cond)
	}
	if orderBy != "" {
		fmt.Fprintf(&sb, " ORDER BY %s, rowid", quoteIdent(orderBy))
	} else {
		sb.WriteString(" ORDER BY rowid")
	}

	rows, err := e.db.Query(sb.String())
	if err != nil {
		return nil, fmt.Errorf("group %s.%s: %w", dataset, column, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	out := map[string][]any{}
	for rows.Next() {
		cells := make([]any, len(keys)+1)
		ptrs := make([]any, len(cells))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s.%s: %w", dataset, column, err)
		}
		ks := keyString(cells[:len(keys)])
		out[ks] = append(out[ks], cells[len(keys)])
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s.%s: %w", dataset, column, err)
	}
	return out, nil
}

// Aggregate pushes a SQL aggregate (AVG, MIN, MAX, SUM, COUNT) over one
// column grouped by the key columns, with an optional row filter.
func (e *Engine) Aggregate(dataset, column string, keys []string, sqlFn, filter string) (map[string]any, error) {
	if _, ok := e.staged[dataset]; !ok {
		return nil, fmt.Errorf("dataset %s not staged", dataset)
	}
	cond, err := e.rowFilter(dataset, filter, keys)
	if err != nil {
		return nil, err
	}

	groupCols := make([]string, len(keys))
	for i, k := range keys {
		groupCols[i] = quoteIdent(k)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s, %s(%s) FROM %s",
		strings.Join(groupCols, ", "), sqlFn, quoteIdent(column), quoteIdent(dataset))
	if cond != "" {
		fmt.Fprintf(&sb, " WHERE %s", cond)
	}
	fmt.Fprintf(&sb, " GROUP BY %s", strings.Join(groupCols, ", "))

	rows, err := e.db.Query(sb.String())
	if err != nil {
		return nil, fmt.Errorf("aggregate %s(%s.%s): %w", sqlFn, dataset, column, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	out := map[string]any{}
	for rows.Next() {
		cells := make([]any, len(keys)+1)
		ptrs := make([]any, len(cells))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		out[keyString(cells[:len(keys)])] = cells[len(keys)]
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregate: %w", err)
	}
	return out, nil
}

// rowFilter turns a predicate into a WHERE condition over dataset's rows.
// A predicate naming only the dataset itself applies directly. One naming
// other staged datasets becomes a rowid semi-join, so the dataset's row
// multiplicity is preserved however many rows the joined tables match.
func (e *Engine) rowFilter(dataset, expr string, keys []string) (string, error) {
	if expr == "" {
		return "", nil
	}
	var others []string
	for _, ds := range specload.ExprDatasets(expr) {
		if ds != dataset {
			others = append(others, ds)
		}
	}
	if len(others) == 0 {
		return expr, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s.rowid FROM %s", quoteIdent(dataset), quoteIdent(dataset))
	for _, ds := range others {
		if _, ok := e.staged[ds]; !ok {
			return "", fmt.Errorf("filter %q references unstaged dataset %s", expr, ds)
		}
		shared := e.sharedKeys(dataset, ds, keys)
		if len(shared) == 0 {
			return "", fmt.Errorf("filter %q: datasets %s and %s share no key columns", expr, dataset, ds)
		}
		conds := make([]string, len(shared))
		for i, k := range shared {
			conds[i] = fmt.Sprintf("%s.%s = %s.%s",
				quoteIdent(dataset), quoteIdent(k), quoteIdent(ds), quoteIdent(k))
		}
		fmt.Fprintf(&sb, " JOIN %s ON %s", quoteIdent(ds), strings.Join(conds, " AND "))
	}
	fmt.Fprintf(&sb, " WHERE %s", expr)

	return fmt.Sprintf("%s.rowid IN (%s)", quoteIdent(dataset), sb.String()), nil
}

// sharedKeys returns the base key columns present in both staged datasets.
func (e *Engine) sharedKeys(a, b string, keys []string) []string {
	fa, fb := e.staged[a], e.staged[b]
	var shared []string
	for _, k := range keys {
		if fa.HasColumn(k) && fb.HasColumn(k) {
			shared = append(shared, k)
		}
	}
	return shared
}

// keyString encodes key cells the same way frame.KeyString does, so engine
// results line up with base-frame rows.
func keyString(cells []any) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		if c != nil {
			parts[i] = fmt.Sprintf("%v", c)
		}
	}
	return strings.Join(parts, "\x1f")
}

func sqlValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.Format("2006-01-02T15:04:05")
	}
	return v
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
