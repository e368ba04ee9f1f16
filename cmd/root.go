// Package cmd wires the command-line interface: consolidate, validate and
// build subcommands over the specification pipeline.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cdiscbuild",
	Short: "Consolidate, validate and execute study dataset specifications",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
