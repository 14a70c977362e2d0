package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/galaxy-org/galaxy/internal/build"
	"github.com/galaxy-org/galaxy/internal/cmd"
)

var rootCmd = &cobra.Command{
	Use:   build.Slug,
	Short: "Galaxy is a cross-device agent orchestrator",
	Long: `Galaxy decomposes user requests into constellations of task stars and
executes them across a fleet of heterogeneous devices connected over
persistent AIP sessions.
`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(cmd.Run())
	rootCmd.AddCommand(cmd.Version())
}
