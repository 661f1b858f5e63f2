package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/concordia/internal/config"
	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/storage"
)

type historyOptions struct {
	limit   int
	status  string
	prompts bool
	parties bool
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	opts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded batches for the working directory's party",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(root.v, cmd.Flags(), map[string]string{
				"session.working_dir": "working-dir",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.v)
			if err != nil {
				return err
			}
			if opts.parties {
				records, err := storage.NewJSONFileStorage(cfg.Storage.DataDir)
				if err != nil {
					return err
				}
				return runParties(records, cmd.OutOrStdout(), cmd.ErrOrStderr())
			}
			store, partyID, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return runHistory(cmd.Context(), store, partyID, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringP("working-dir", "C", "", "directory the party ran in (default: current directory)")
	f.IntVarP(&opts.limit, "limit", "n", 20, "maximum rows to show")
	f.StringVar(&opts.status, "status", "", "only batches with this status (submitted, merge_failed, empty_merge, write_failed, requeued)")
	f.BoolVar(&opts.prompts, "prompts", false, "list individual prompts instead of batches")
	f.BoolVar(&opts.parties, "parties", false, "list every party this machine has hosted")
	cmd.MarkFlagsMutuallyExclusive("prompts", "parties")
	return cmd
}

// openHistory opens the history database and names the party for the
// configured working directory.
func openHistory(cfg *config.Config) (*storage.HistoryStore, string, error) {
	if !cfg.Storage.History {
		return nil, "", errors.New("history is disabled (storage.history=false)")
	}
	workingDir, err := filepath.Abs(cfg.Session.WorkingDir)
	if err != nil {
		return nil, "", err
	}
	store, err := storage.NewHistoryStore(storage.HistoryPath(cfg.Storage.DataDir), nil)
	if err != nil {
		return nil, "", err
	}
	return store, storage.PartyID(workingDir), nil
}

func runHistory(ctx context.Context, store *storage.HistoryStore, partyID string, opts *historyOptions, out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if opts.prompts {
		prompts, err := store.ListPrompts(ctx, partyID, opts.limit)
		if err != nil {
			return err
		}
		if len(prompts) == 0 {
			fmt.Fprintln(out, "no prompts recorded")
			return nil
		}
		fmt.Fprintln(w, "TIME\tAUTHOR\tPROMPT")
		for _, p := range prompts {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.CreatedAt.Local().Format(time.DateTime), p.Author, oneLine(p.Text, 80))
		}
		return nil
	}

	batches, err := store.ListBatches(ctx, storage.BatchQuery{
		PartyID: partyID,
		Status:  domain.BatchStatus(opts.status),
		Limit:   opts.limit,
	})
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(out, "no batches recorded")
		return nil
	}
	fmt.Fprintln(w, "TIME\tSTATUS\tAUTHORS\tMERGED")
	for _, b := range batches {
		text := b.Merged
		if text == "" {
			text = b.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			b.CreatedAt.Local().Format(time.DateTime), b.Status, strings.Join(b.Authors, ","), oneLine(text, 80))
	}
	return nil
}

// runParties lists saved party records, most recently active first.
// Records that cannot be read are reported and skipped.
func runParties(records storage.Storage, out, errOut io.Writer) error {
	parties, err := records.List()
	var listErr *storage.ListError
	switch {
	case errors.As(err, &listErr):
		for _, e := range listErr.Errors {
			fmt.Fprintf(errOut, "warning: %v\n", e)
		}
	case err != nil:
		return err
	}
	if len(parties) == 0 {
		fmt.Fprintln(out, "no parties recorded")
		return nil
	}
	slices.SortFunc(parties, func(a, b *storage.PartyRecord) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "UPDATED\tPARTY\tSTATE\tRESTARTS\tRESUMABLE\tWORKING DIR")
	for _, p := range parties {
		resumable := "no"
		if p.ResumeToken != "" {
			resumable = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			p.UpdatedAt.Local().Format(time.DateTime), p.ID, p.State, p.Restarts, resumable, p.WorkingDir)
	}
	return nil
}

func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > width {
		return string(r[:width-1]) + "…"
	}
	return s
}
