package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/merge"
	"github.com/ricochet1k/concordia/internal/storage"
)

func newSummaryCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize what the party has asked for so far",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(root.v, cmd.Flags(), map[string]string{
				"session.working_dir": "working-dir",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := loadConfig(root.v)
			if err != nil {
				return err
			}
			defer closer.Close()

			store, partyID, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			merger, err := newMerger(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return runSummary(cmd.Context(), store, merger, partyID, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringP("working-dir", "C", "", "directory the party ran in (default: current directory)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "most recent submitted batches to include")
	return cmd
}

func runSummary(ctx context.Context, store *storage.HistoryStore, merger merge.Merger, partyID string, limit int, out io.Writer) error {
	batches, err := store.ListBatches(ctx, storage.BatchQuery{
		PartyID: partyID,
		Status:  domain.BatchSubmitted,
		Limit:   limit,
	})
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(out, "nothing submitted yet")
		return nil
	}

	merged := make([]string, 0, len(batches))
	for _, b := range batches {
		merged = append(merged, b.Merged)
	}
	// Stored newest first; the summary reads in submission order.
	slices.Reverse(merged)

	text, err := merger.Summarize(ctx, merged)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	fmt.Fprintln(out, text)
	return nil
}
