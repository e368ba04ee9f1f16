package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trialforge/cdiscbuild/internal/specload"
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate [spec.yaml] [output.yaml]",
	Short: "Resolve a specification's inheritance chain into one flat file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := specload.Load(args[0])
		if err != nil {
			return err
		}
		if err := specload.Save(spec, args[1]); err != nil {
			return err
		}
		fmt.Printf("Consolidated %s (%d columns) into %s\n", spec.Domain, len(spec.Columns), args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(consolidateCmd)
}
