package cmd

import (
	"github.com/spf13/cobra"

	"github.com/galaxy-org/galaxy/internal/build"
)

// Version creates the command that prints the build version.
func Version() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(build.Version)
		},
	}
}
