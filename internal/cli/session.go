package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Andrejs1979/cloud-code/internal/sessionstream"
)

// cancelGrace bounds the cancel request sent after an interrupt.
const cancelGrace = 5 * time.Second

func sessionCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Interactive sessions",
	}
	cmd.AddCommand(sessionStartCmd(rf))
	cmd.AddCommand(sessionCancelCmd(rf))
	cmd.AddCommand(sessionStatusCmd(rf))
	cmd.AddCommand(sessionListCmd(rf))
	return cmd
}

func sessionStartCmd(rf *rootFlags) *cobra.Command {
	var (
		repoURL string
		branch  string
		req     sessionstream.StartRequest
	)

	cmd := &cobra.Command{
		Use:   "start <prompt>",
		Short: "Start a session and stream its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Prompt = strings.TrimSpace(strings.Join(args, " "))
			if req.Prompt == "" {
				return errors.New("prompt must not be empty")
			}
			if repoURL != "" {
				req.Repository = &sessionstream.Repository{
					URL:    repoURL,
					Name:   path.Base(strings.TrimSuffix(strings.TrimSuffix(repoURL, "/"), ".git")),
					Branch: branch,
				}
			}
			return runSession(cmd, rf.client(), req)
		},
	}

	cmd.Flags().StringVar(&repoURL, "repo", "", "Repository URL, e.g. https://github.com/acme/api")
	cmd.Flags().StringVar(&branch, "branch", "", "Repository branch")
	cmd.Flags().IntVar(&req.Options.MaxTurns, "max-turns", 0, "Maximum agent turns (server default when 0)")
	cmd.Flags().StringVar(&req.Options.PermissionMode, "permission-mode", "", "Agent permission mode")
	cmd.Flags().BoolVar(&req.Options.CreatePR, "create-pr", false, "Open a pull request with the result")
	return cmd
}

func runSession(cmd *cobra.Command, client *sessionstream.Client, req sessionstream.StartRequest) error {
	ctx := cmd.Context()

	stream, err := client.Start(ctx, req)
	if err != nil {
		return err
	}

	// Ctrl-C cancels the session rather than abandoning it.
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	stopCancel := context.AfterFunc(sigCtx, func() {
		if ctx.Err() != nil {
			return
		}
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		defer cancel()
		if err := stream.Cancel(cancelCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "cancel request failed: %v\n", err)
		}
	})
	defer stopCancel()

	p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err := stream.Consume(ctx, p.onEvent); err != nil {
		return err
	}

	return p.summary(stream.Session)
}

func sessionCancelCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rf.client().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for session %s\n", args[0])
			return nil
		},
	}
}

func sessionStatusCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rf.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:       %s\n", s.ID)
			fmt.Fprintf(out, "Status:   %s\n", s.Status)
			fmt.Fprintf(out, "Turns:    %d\n", s.Turns)
			fmt.Fprintf(out, "Prompt:   %s\n", s.Prompt)
			if s.Repository != nil {
				fmt.Fprintf(out, "Repo:     %s\n", s.Repository.URL)
			}
			if s.Error != "" {
				fmt.Fprintf(out, "Error:    %s\n", s.Error)
			}
			fmt.Fprintf(out, "Updated:  %s\n", s.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func sessionListCmd(rf *rootFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := rf.client().List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tTURNS\tCREATED\tPROMPT")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.Status, s.Turns, s.CreatedAt.Format(time.RFC3339), truncate(s.Prompt, 48))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
