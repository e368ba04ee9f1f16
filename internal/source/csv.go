// Package source implements source-table providers. A provider returns
// tables with every non-key column renamed to the qualified
// "{dataset}.{column}" form; declared key columns keep their names.
package source

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/trialforge/cdiscbuild/internal/frame"
)

// CSVProvider serves one CSV file per dataset from a directory.
// Empty cells load as nulls.
type CSVProvider struct {
	// Dir holds "<dataset>.csv" files.
	Dir string
	// Keys are the key column names left unrenamed.
	Keys []string
}

// Load reads Dir/<dataset>.csv and returns it with qualified column names.
func (p *CSVProvider) Load(dataset string) (*frame.Frame, error) {
	path := filepath.Join(p.Dir, dataset+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", path, err)
	}
	defer func() { _ = f.Close() }() // safe to ignore

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("source %s has no header row", path)
	}

	header := records[0]
	rows := records[1:]

	keySet := map[string]bool{}
	for _, k := range p.Keys {
		keySet[k] = true
	}

	out := frame.New(p.Keys, len(rows))
	for col, name := range header {
		outName := name
		if !keySet[name] {
			outName = dataset + "." + name
		}
		values := make([]any, len(rows))
		for i, row := range rows {
			if col < len(row) && row[col] != "" {
				values[i] = row[col]
			}
		}
		if err := out.SetColumn(outName, values); err != nil {
			return nil, fmt.Errorf("source %s: %w", path, err)
		}
	}
	return out, nil
}
