// Package merge implements hierarchical document merging for specification
// consolidation. Documents are generic YAML/JSON shapes (map[string]any);
// lists can merge positionally or by a declared element key.
package merge

import (
	"fmt"
)

// ListStrategy selects how lists without a declared merge key combine.
type ListStrategy int

const (
	// Replace keeps the later document's list outright.
	Replace ListStrategy = iota
	// Append concatenates lists in document order.
	Append
)

// DropField marks a keyed list element for removal during merge.
const DropField = "drop"

// Options configure one merge run.
type Options struct {
	// Lists is the fallback strategy for lists without an entry in Keys.
	Lists ListStrategy
	// Keys maps a field name to the element key used for merge-by-key on
	// the list stored under that field (e.g. "columns" -> "name").
	Keys map[string]string
}

// Merge folds docs left to right into a single document. Later documents
// win field-by-field; nested maps merge recursively, scalars replace.
// The fold is incremental, so Merge(docs) equals pairwise merging in order.
func Merge(docs []map[string]any, opts Options) (map[string]any, error) {
	out := map[string]any{}
	for i, doc := range docs {
		merged, err := mergeMaps(out, doc, opts)
		if err != nil {
			return nil, fmt.Errorf("merge document %d: %w", i, err)
		}
		out = merged
	}
	return out, nil
}

func mergeMaps(base, over map[string]any, opts Options) (map[string]any, error) {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		bv, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		switch ov := v.(type) {
		case map[string]any:
			bm, ok := bv.(map[string]any)
			if !ok {
				out[k] = v
				continue
			}
			m, err := mergeMaps(bm, ov, opts)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = m
		case []any:
			bl, ok := bv.([]any)
			if !ok {
				out[k] = v
				continue
			}
			if keyField, keyed := opts.Keys[k]; keyed {
				l, err := mergeListByKey(bl, ov, keyField, opts)
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", k, err)
				}
				out[k] = l
				continue
			}
			switch opts.Lists {
			case Append:
				merged := make([]any, 0, len(bl)+len(ov))
				merged = append(merged, bl...)
				merged = append(merged, ov...)
				out[k] = merged
			default:
				out[k] = v
			}
		default:
			out[k] = v
		}
	}
	return out, nil
}

// mergeListByKey matches elements of over against base by keyField.
// A matching element overrides its counterpart field-by-field; an element
// carrying the drop marker removes the counterpart. A drop is terminal for
// the whole chain: a later document re-declaring the key merges into the
// marked element and the marker survives, so the fold stays associative
// regardless of where the drop sits in the chain. An element without the
// key field is a hard error, never silently skipped.
func mergeListByKey(base, over []any, keyField string, opts Options) ([]any, error) {
	type slot struct {
		elem    map[string]any
		dropped bool
	}
	order := make([]string, 0, len(base)+len(over))
	byKey := map[string]*slot{}

	add := func(raw any, docName string) error {
		elem, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%s list element is %T, want mapping", docName, raw)
		}
		key, ok := elem[keyField].(string)
		if !ok || key == "" {
			return fmt.Errorf("%s list element missing key field %q", docName, keyField)
		}
		existing, seen := byKey[key]
		if !seen {
			order = append(order, key)
			byKey[key] = &slot{elem: elem, dropped: isDropped(elem)}
			return nil
		}
		if isDropped(elem) {
			// Keep the marker so downstream merges still see the drop.
			existing.elem = elem
			existing.dropped = true
			return nil
		}
		merged, err := mergeMaps(existing.elem, elem, opts)
		if err != nil {
			return fmt.Errorf("element %q: %w", key, err)
		}
		existing.elem = merged
		existing.dropped = isDropped(merged)
		return nil
	}

	for _, raw := range base {
		if err := add(raw, "base"); err != nil {
			return nil, err
		}
	}
	for _, raw := range over {
		if err := add(raw, "override"); err != nil {
			return nil, err
		}
	}

	out := make([]any, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key].elem)
	}
	return out, nil
}

func isDropped(elem map[string]any) bool {
	d, ok := elem[DropField].(bool)
	return ok && d
}

// StripDropped removes elements still carrying the drop marker from the
// keyed list under field. Called once after the whole chain has merged, so
// a drop declared at any level erases the element no matter how many
// ancestors defined it.
func StripDropped(doc map[string]any, field string) {
	raw, ok := doc[field].([]any)
	if !ok {
		return
	}
	kept := make([]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok && isDropped(m) {
			continue
		}
		kept = append(kept, e)
	}
	doc[field] = kept
}
