package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/okian/maestro/internal/adapters/journal"
	"github.com/okian/maestro/internal/adapters/repository"
	"github.com/okian/maestro/internal/config"
	"github.com/okian/maestro/pkg/logger"
)

func newJournalCmd() *cobra.Command {
	capacity := config.New().MaxCheckpointsToKeep
	cmd := &cobra.Command{
		Use:   "journal <run-dir>",
		Short: "Print the checkpoint decisions recorded for a run and the replayed leaderboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(cmd, args[0], capacity)
		},
	}
	cmd.Flags().IntVar(&capacity, "capacity", capacity, "leaderboard capacity used for the replay")
	return cmd
}

func runJournal(cmd *cobra.Command, runDir string, capacity int) error {
	ctx := cmd.Context()
	if info, err := os.Stat(runDir); err != nil || !info.IsDir() {
		return fmt.Errorf("run directory %s not found", runDir)
	}
	j, err := journal.Open(
		journal.WithPath(filepath.Join(runDir, repository.JournalDir)),
		journal.WithLogger(logger.Get().Named("journal")),
	)
	if err != nil {
		return err
	}
	defer j.Close()

	runs, err := j.Runs(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no decisions recorded in %s\n", runDir)
		return nil
	}

	for _, runID := range runs {
		records, err := j.List(ctx, runID)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "run %s\n", runID)
		fmt.Fprintln(tw, "SEQ\tEPOCH\tLOSS\tDECISION\tEVICTED")
		for _, rec := range records {
			decision := "rejected"
			switch {
			case rec.Err != "":
				decision = "invalid: " + rec.Err
			case rec.Admitted:
				decision = "admitted"
			}
			fmt.Fprintf(tw, "%d\t%d\t%.4f\t%s\t%s\n", rec.Seq, rec.Epoch, rec.Score, decision, rec.Evicted)
		}

		board, err := journal.Replay(records, capacity)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "retained (capacity %d)\n", capacity)
		for i, e := range board.Entries() {
			fmt.Fprintf(tw, "%d\t%d\t%.4f\t%s\n", i+1, e.Epoch, e.Score, e.Path)
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("write journal: %w", err)
		}
	}
	return nil
}
