package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVersionCmd creates the command printing the application version.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mcp-obo",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcp-obo version %s\n", rootCmd.Version)
		},
	}
}
