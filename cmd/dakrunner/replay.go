package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dakota-project/evalsched/pkg/evalcore"
	"github.com/dakota-project/evalsched/pkg/journal"
)

func replayCmd() *cobra.Command {
	var journalPath string
	var stopAfterK int

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a restart journal file and print its records",
		Long: `replay streams every record in a restart journal in append order
and prints each eval_id, interface_id, and variable vector. It is
read-only and does not rebuild the in-memory cache.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(journalPath, stopAfterK)
		},
	}

	cmd.Flags().StringVarP(&journalPath, "path", "p", "restart.evalsched", "restart journal file path")
	cmd.Flags().IntVarP(&stopAfterK, "stop-after", "k", 0, "stop after K records (0 means replay the whole file)")

	return cmd
}

func runReplay(journalPath string, stopAfterK int) error {
	count, err := journal.Replay(journalPath, stopAfterK, func(p evalcore.Pair) error {
		fmt.Printf("eval_id=%d interface=%s source=%s vars=%s\n", p.EvalID, p.InterfaceID, p.Source, p.Vars)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", journalPath, err)
	}
	fmt.Printf("\nreplayed %d record(s)\n", count)
	return nil
}
