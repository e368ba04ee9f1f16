package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trialforge/cdiscbuild/internal/derive"
	"github.com/trialforge/cdiscbuild/internal/frame"
	"github.com/trialforge/cdiscbuild/internal/funcs"
	"github.com/trialforge/cdiscbuild/internal/source"
	"github.com/trialforge/cdiscbuild/internal/specload"
	"github.com/trialforge/cdiscbuild/internal/validate"
)

var (
	funcsDir     string
	skipValidate bool
)

var buildCmd = &cobra.Command{
	Use:   "build [spec.yaml] [source-dir] [output.csv]",
	Short: "Derive a domain table from CSV source datasets",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := specload.Load(args[0])
		if err != nil {
			return err
		}

		if !skipValidate {
			result, err := validate.Validate(spec, validate.DefaultSchema())
			if err != nil {
				return err
			}
			for _, w := range result.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			for _, e := range result.Errors {
				fmt.Printf("error: %s\n", e)
			}
			if !result.OK() {
				return fmt.Errorf("%s: specification has %d error(s)", spec.Domain, len(result.Errors))
			}
		}

		provider := &source.CSVProvider{Dir: args[1], Keys: spec.Key}
		builder := derive.NewBuilder(funcs.NewRegistry(funcsDir))

		start := time.Now()
		fmt.Printf("Building %s from %s...\n", spec.Domain, args[1])
		out, err := builder.Build(spec, provider)
		if err != nil {
			return err
		}
		if err := writeCSV(args[2], out); err != nil {
			return err
		}
		fmt.Printf("Wrote %d rows x %d columns to %s in %v.\n",
			out.NumRows(), len(out.ColumnNames()), args[2], time.Since(start))
		return nil
	},
}

func writeCSV(path string, f *frame.Frame) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output %s: %w", path, err)
	}
	defer func() { _ = file.Close() }() // safe to ignore

	w := csv.NewWriter(file)
	if err := w.Write(f.ColumnNames()); err != nil {
		return err
	}
	for i := 0; i < f.NumRows(); i++ {
		row := f.Row(i)
		record := make([]string, len(row))
		for j, v := range row {
			record[j] = formatCell(v)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format("2006-01-02T15:04:05")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func init() {
	buildCmd.Flags().StringVarP(&funcsDir, "funcs", "f", "", "Directory of custom derivation function files")
	buildCmd.Flags().BoolVar(&skipValidate, "skip-validate", false, "Skip schema validation before building")
	rootCmd.AddCommand(buildCmd)
}
