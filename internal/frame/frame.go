// Package frame holds the in-memory tabular model shared by the source
// providers, the query engine adapter, and the derivation dispatcher.
// A Frame is column-oriented: named columns of equal length, with a declared
// subset of key columns identifying each row.
package frame

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

// Column is one named column of cell values. A nil cell is a missing value.
type Column struct {
	Name   string
	Values []any
}

// Frame is an ordered collection of equal-length columns.
// Mutation is append-or-overwrite of whole columns only; rows are fixed at
// construction.
type Frame struct {
	keys   []string
	cols   []*Column
	byName map[string]int
	nrows  int
}

// New creates an empty frame with nrows rows and the given key column names.
func New(keys []string, nrows int) *Frame {
	return &Frame{
		keys:   append([]string(nil), keys...),
		byName: map[string]int{},
		nrows:  nrows,
	}
}

// Keys returns the declared key column names.
func (f *Frame) Keys() []string { return f.keys }

// NumRows returns the row count.
func (f *Frame) NumRows() int { return f.nrows }

// ColumnNames returns column names in insertion order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.cols))
	for i, c := range f.cols {
		names[i] = c.Name
	}
	return names
}

// Column returns the values of the named column.
func (f *Frame) Column(name string) ([]any, bool) {
	i, ok := f.byName[name]
	if !ok {
		return nil, false
	}
	return f.cols[i].Values, true
}

// HasColumn reports whether the named column exists.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.byName[name]
	return ok
}

// SetColumn appends a new column or overwrites an existing one by name.
// The value slice length must match the frame's row count.
func (f *Frame) SetColumn(name string, values []any) error {
	if len(values) != f.nrows {
		return fmt.Errorf("column %q has %d values, frame has %d rows", name, len(values), f.nrows)
	}
	if i, ok := f.byName[name]; ok {
		f.cols[i].Values = values
		return nil
	}
	f.byName[name] = len(f.cols)
	f.cols = append(f.cols, &Column{Name: name, Values: values})
	return nil
}

// Row returns the cells of one row in column order.
func (f *Frame) Row(i int) []any {
	row := make([]any, len(f.cols))
	for j, c := range f.cols {
		row[j] = c.Values[i]
	}
	return row
}

// KeyString encodes the key cells of row i into a single comparable string.
// Missing key cells encode as the empty string.
func (f *Frame) KeyString(i int) string {
	parts := make([]string, len(f.keys))
	for j, k := range f.keys {
		if vals, ok := f.Column(k); ok && vals[i] != nil {
			parts[j] = fmt.Sprintf("%v", vals[i])
		}
	}
	return strings.Join(parts, "\x1f")
}

// KeyIndex maps each row's key string to its position. Duplicate keys keep
// the first position.
func (f *Frame) KeyIndex() map[string]int {
	idx := make(map[string]int, f.nrows)
	for i := 0; i < f.nrows; i++ {
		ks := f.KeyString(i)
		if _, seen := idx[ks]; !seen {
			idx[ks] = i
		}
	}
	return idx
}

// AllRows returns a selection covering every row.
func (f *Frame) AllRows() *roaring.Bitmap {
	b := roaring.New()
	if f.nrows > 0 {
		b.AddRange(0, uint64(f.nrows))
	}
	return b
}
