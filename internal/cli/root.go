// Package cli implements the cloudcode command line client.
package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Andrejs1979/cloud-code/internal/sessionstream"
)

type rootFlags struct {
	Server  string
	Timeout time.Duration
}

func Execute() error {
	return NewRootCommand().Execute()
}

func NewRootCommand() *cobra.Command {
	rf := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:          "cloudcode",
		Short:        "Run and manage interactive coding sessions",
		SilenceUsage: true,
	}

	server := os.Getenv("CLOUDCODE_URL")
	if server == "" {
		server = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&rf.Server, "server", server, "Server base URL (defaults to CLOUDCODE_URL)")
	rootCmd.PersistentFlags().DurationVar(&rf.Timeout, "timeout", sessionstream.DefaultTimeout, "Fail a session with no terminal event after this long")

	rootCmd.AddCommand(sessionCmd(rf))
	rootCmd.AddCommand(vaultCmd())

	return rootCmd
}

func (rf *rootFlags) client() *sessionstream.Client {
	return sessionstream.NewClient(rf.Server, sessionstream.WithTimeout(rf.Timeout))
}
