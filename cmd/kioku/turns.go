package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

var errUserRequired = errors.New("--user is required")

func newRecordCmd() *cobra.Command {
	var (
		userID string
		role   string
	)

	cmd := &cobra.Command{
		Use:   "record <content>...",
		Short: "Record a conversation turn for a user",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errUserRequired
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			turn, err := a.Synth.RecordTurn(cmd.Context(), userID, role, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), turn)
		},
	}

	addUserFlag(cmd.Flags(), &userID)
	cmd.Flags().StringVarP(&role, "role", "r", memory.RoleUser, "Turn role (user or assistant)")
	return cmd
}

func newContextCmd() *cobra.Command {
	var (
		userID string
		format string
	)

	cmd := &cobra.Command{
		Use:   "context <query>...",
		Short: "Assemble the context for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errUserRequired
			}
			if format != "json" && format != "text" {
				return fmt.Errorf("unknown format %q (expected json or text)", format)
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			assembled, err := a.Synth.GetContext(cmd.Context(), userID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if format == "text" {
				return printTranscript(cmd.OutOrStdout(), assembled)
			}
			return printJSON(cmd.OutOrStdout(), assembled)
		},
	}

	addUserFlag(cmd.Flags(), &userID)
	cmd.Flags().StringVarP(&format, "format", "o", "json", "Output format (json, text)")
	return cmd
}

func newRecentCmd() *cobra.Command {
	var (
		userID string
		n      int
	)

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List a user's most recent turns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errUserRequired
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			turns, err := a.Synth.Recent(cmd.Context(), userID, n)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), turns)
		},
	}

	addUserFlag(cmd.Flags(), &userID)
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "Number of turns to show")
	return cmd
}

// printTranscript writes one line per context message, oldest first.
func printTranscript(w io.Writer, c memory.AssembledContext) error {
	for _, m := range c.Messages {
		marker := " "
		if m.Source == memory.SourceRetrieved {
			marker = "*"
		}
		if _, err := fmt.Fprintf(w, "%s %s [%s] %s: %s\n",
			marker, m.CreatedAt.Format("2006-01-02 15:04:05"), m.TurnID, m.Role, m.Content); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "-- %d window, %d retrieved, ~%d tokens, degraded=%t\n",
		c.WindowCount, c.RetrievedCount, c.EstimatedTokens, c.Degraded)
	return err
}
