package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReindexCmd() *cobra.Command {
	var (
		userID string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-embed retained turns into the semantic store",
		Long: `Reindex embeds every turn still held in the recency store and writes it
to the semantic store. Use it after switching embedding models or semantic
backends, or to repair turns whose indexing failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" && !all {
				return errors.New("either --user or --all is required")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			users := []string{userID}
			if all {
				if users, err = a.Synth.Recency.Users(ctx); err != nil {
					return err
				}
			}

			total := 0
			for _, u := range users {
				n, err := a.Reindexer.Backfill(ctx, u)
				total += n
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reindexed %d turn(s) for %d user(s)\n", total, len(users))
			return nil
		},
	}

	addUserFlag(cmd.Flags(), &userID)
	cmd.Flags().BoolVar(&all, "all", false, "Reindex every user with retained turns")
	cmd.MarkFlagsMutuallyExclusive("user", "all")
	return cmd
}

func newPruneCmd() *cobra.Command {
	var (
		userID    string
		olderThan time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete turns older than a cutoff from both stores",
		Long: `Prune removes turns created before now minus --older-than. Without
--user every user is pruned. Without --older-than the configured
retention.max_age is applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			age := a.Config.Retention.MaxAge
			if cmd.Flags().Changed("older-than") {
				age = olderThan
			}
			if age <= 0 {
				return errors.New("no age limit: pass --older-than or configure retention.max_age")
			}

			users := []string{userID}
			if userID == "" {
				if users, err = a.Synth.Recency.Users(ctx); err != nil {
					return err
				}
			}

			cutoff := a.Synth.Clock.Now().Add(-age)
			total := 0
			for _, u := range users {
				n, err := a.Sweeper.PruneUser(ctx, u, cutoff)
				total += n
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d turn(s) created before %s\n", total, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	addUserFlag(cmd.Flags(), &userID)
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Delete turns older than this (e.g. 720h)")
	return cmd
}
