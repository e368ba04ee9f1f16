package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trialforge/cdiscbuild/internal/specload"
	"github.com/trialforge/cdiscbuild/internal/validate"
)

var validateSchemaPath string

var validateCmd = &cobra.Command{
	Use:   "validate [spec.yaml]",
	Short: "Check a consolidated specification against a rule schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := specload.Load(args[0])
		if err != nil {
			return err
		}

		schema := validate.DefaultSchema()
		if validateSchemaPath != "" {
			schema, err = validate.LoadSchema(validateSchemaPath)
			if err != nil {
				return err
			}
		}

		result, err := validate.Validate(spec, schema)
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
			return fmt.Errorf("%s: %d error(s), %d warning(s)",
				spec.Domain, len(result.Errors), len(result.Warnings))
		}
		fmt.Printf("%s: valid (%d warning(s))\n", spec.Domain, len(result.Warnings))
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateSchemaPath, "schema", "s", "", "Path to a rule schema file")
	rootCmd.AddCommand(validateCmd)
}
