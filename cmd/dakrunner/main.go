// Command dakrunner is the external driver binary around the evaluation
// scheduler core: it parses a YAML configuration file into
// internal/config.Config, wires the corresponding packages together, and
// runs one of a validate/run/server/replay/status subcommand. It holds no
// scheduling logic of its own — every decision it makes is a direct call
// into a core package's exported constructor.
//
// A root *cobra.Command built in main, one constructor function per
// subcommand returning a configured *cobra.Command, and RunE closures over
// cmd.Flags()-bound local variables.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	root := &cobra.Command{
		Use:     "dakrunner",
		Short:   "Driver for the parallel evaluation scheduler core",
		Version: version,
		Long: `dakrunner wires the evaluation scheduler core (pkg/appinterface,
pkg/scheduler, pkg/partition, pkg/transport, pkg/cache, pkg/journal,
pkg/failure) to a YAML configuration file and an operator-supplied
simulator, and runs one parallel evaluation server or replays a restart
journal.`,
	}

	root.AddCommand(validateCmd())
	root.AddCommand(runCmd())
	root.AddCommand(serverCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dakrunner: %v\n", err)
		os.Exit(1)
	}
}
