package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		_, span := tracer.Start(cmd.Context(), "version")
		defer span.End()

		fmt.Printf("Cordon %s\n", resolvedVersion())
		if Commit != "none" {
			fmt.Printf("  Commit: %s\n", Commit)
		}
		if BuildDate != "unknown" {
			fmt.Printf("  Built:  %s\n", BuildDate)
		}
		fmt.Printf("  Go:     %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
