package source

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/trialforge/cdiscbuild/internal/frame"
)

// LongProvider pivots a single long-format collection extract (one row per
// collected item) into per-form wide tables. Each dataset maps to a form
// identifier; rows of that form are grouped by the key columns and each
// distinct item identifier becomes one qualified column, keeping the first
// value per group.
type LongProvider struct {
	// Path is the long-format CSV. It must carry the key columns plus
	// FormCol, ItemCol and ValueCol.
	Path string
	// Keys are the key column names left unrenamed.
	Keys []string
	// Forms maps dataset names to form identifiers.
	Forms map[string]string

	// Column names in the long file. Zero values default to
	// "FormOID", "ItemOID" and "Value".
	FormCol  string
	ItemCol  string
	ValueCol string
}

// Load pivots the rows of the dataset's form into a wide frame.
func (p *LongProvider) Load(dataset string) (*frame.Frame, error) {
	formOID, ok := p.Forms[dataset]
	if !ok {
		return nil, fmt.Errorf("no form mapping for dataset %s", dataset)
	}

	formCol, itemCol, valueCol := p.FormCol, p.ItemCol, p.ValueCol
	if formCol == "" {
		formCol = "FormOID"
	}
	if itemCol == "" {
		itemCol = "ItemOID"
	}
	if valueCol == "" {
		valueCol = "Value"
	}

	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("open long source %s: %w", p.Path, err)
	}
	defer func() { _ = f.Close() }() // safe to ignore

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read long source %s: %w", p.Path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("long source %s has no header row", p.Path)
	}

	colIdx := map[string]int{}
	for i, name := range records[0] {
		colIdx[name] = i
	}
	for _, need := range append(append([]string{}, p.Keys...), formCol, itemCol, valueCol) {
		if _, ok := colIdx[need]; !ok {
			return nil, fmt.Errorf("long source %s is missing column %s", p.Path, need)
		}
	}

	type group struct {
		keys  []string
		items map[string]string
	}
	order := []string{}
	groups := map[string]*group{}
	itemOrder := []string{}
	itemSeen := map[string]bool{}

	for _, row := range records[1:] {
		if row[colIdx[formCol]] != formOID {
			continue
		}
		keys := make([]string, len(p.Keys))
		for i, k := range p.Keys {
			keys[i] = row[colIdx[k]]
		}
		gk := strings.Join(keys, "\x1f")
		g, ok := groups[gk]
		if !ok {
			g = &group{keys: keys, items: map[string]string{}}
			groups[gk] = g
			order = append(order, gk)
		}
		item := row[colIdx[itemCol]]
		if !itemSeen[item] {
			itemSeen[item] = true
			itemOrder = append(itemOrder, item)
		}
		// First value per group wins, matching the pivot contract.
		if _, dup := g.items[item]; !dup {
			g.items[item] = row[colIdx[valueCol]]
		}
	}

	out := frame.New(p.Keys, len(order))
	for i, k := range p.Keys {
		values := make([]any, len(order))
		for j, gk := range order {
			values[j] = groups[gk].keys[i]
		}
		if err := out.SetColumn(k, values); err != nil {
			return nil, err
		}
	}
	for _, item := range itemOrder {
		values := make([]any, len(order))
		for j, gk := range order {
			if v, ok := groups[gk].items[item]; ok && v != "" {
				values[j] = v
			}
		}
		if err := out.SetColumn(dataset+"."+item, values); err != nil {
			return nil, err
		}
	}
	return out, nil
}
