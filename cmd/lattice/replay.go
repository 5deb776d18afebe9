package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/lattice/internal/compaction"
	"github.com/HyphaGroup/lattice/internal/conversation"
	"github.com/HyphaGroup/lattice/internal/store"
	"github.com/HyphaGroup/lattice/internal/validation"
)

var (
	replayMinion        string
	replayJSON          bool
	replayProviderSlice bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild a minion's conversation from the message store",
	Long: `Replay the persisted message log of a minion through a fresh aggregator
and print the resulting conversation. Without --minion, lists the minions
that have persisted history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initStderrLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Store.DataDir)
		if err != nil {
			return fmt.Errorf("open message store: %w", err)
		}
		defer func() { _ = st.Close() }()

		ctx := cmd.Context()
		if replayMinion == "" {
			return listMinions(ctx, st)
		}
		if err := validation.ValidateMinionID(replayMinion); err != nil {
			return err
		}
		return replayMinionHistory(ctx, st, replayMinion)
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayMinion, "minion", "", "Minion ID to replay")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Output the snapshot as JSON")
	replayCmd.Flags().BoolVar(&replayProviderSlice, "provider-slice", false, "Only show messages from the most recent compaction boundary")
}

func listMinions(ctx context.Context, st *store.Store) error {
	ids, err := st.Minions(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No persisted minions.")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func replayMinionHistory(ctx context.Context, st *store.Store, minionID string) error {
	agg := conversation.NewAggregator(minionID, conversation.NewTokenStore())
	n, err := st.Replay(ctx, minionID, agg)
	if err != nil {
		return fmt.Errorf("replay %s: %w", minionID, err)
	}

	snap := agg.Snapshot()
	if replayProviderSlice {
		snap.Messages = compaction.ContextSlice(snap.Messages)
	}

	if replayJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Printf("Minion %s: %d records, %d messages\n\n", minionID, n, len(snap.Messages))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tSTATE\tCONTENT")
	for _, m := range snap.Messages {
		state := string(m.Metadata.StreamState)
		if m.IsCompactionBoundary() {
			state = "boundary"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Role, state, truncate(m.Content(), 60))
	}
	return w.Flush()
}

// truncate flattens s onto one line and cuts it to n runes
func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
