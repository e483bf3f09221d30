package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dakota-project/evalsched/internal/config"
	"github.com/dakota-project/evalsched/pkg/partition"
)

func validateCmd() *cobra.Command {
	var configPath string
	var parentSize int

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse a configuration file and resolve its partition directives",
		Long: `validate loads the YAML configuration file, resolves the configured
partition directives against --parent-size, and prints the resulting
level. It performs no scheduling and opens no transport connections.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(configPath, parentSize)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "dakrunner.yaml", "configuration file path")
	cmd.Flags().IntVar(&parentSize, "parent-size", 1, "number of processes available to partition at this level")

	return cmd
}

func runValidate(configPath string, parentSize int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	lvl, err := partition.Resolve("eval", parentSize, cfg.Partition.Directives())
	if err != nil {
		if cerr, ok := err.(*partition.ConfigurationError); ok {
			return fmt.Errorf("partition resolution failed: %s (level %s)", cerr.Reason, cerr.Level)
		}
		return err
	}

	fmt.Printf("interface_id:    %s\n", cfg.InterfaceID)
	fmt.Printf("scheduler policy: %s\n", cfg.Scheduler.Policy)
	fmt.Printf("transport kind:   %s\n", cfg.Transport.Kind)
	fmt.Println()
	fmt.Printf("partition level %q resolved:\n", lvl.Name)
	fmt.Printf("  topology:         %s\n", lvl.Topology)
	fmt.Printf("  scheduling:       %s\n", lvl.Scheduling)
	fmt.Printf("  num_servers:      %d\n", lvl.NumServers)
	fmt.Printf("  procs_per_server: %d\n", lvl.ProcsPerServer)
	fmt.Printf("  partial_server:   %v\n", lvl.PartialServer)
	fmt.Printf("  parent_size:      %d\n", lvl.ParentSize)
	return nil
}
