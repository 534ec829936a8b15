package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Andrejs1979/cloud-code/internal/vault"
)

func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Encrypt and decrypt stored secrets offline",
	}
	cmd.AddCommand(vaultCryptCmd("encrypt", "Encrypt stdin for storage", (*vault.Vault).Encrypt))
	cmd.AddCommand(vaultCryptCmd("decrypt", "Decrypt a stored blob read from stdin", (*vault.Vault).Decrypt))
	return cmd
}

func vaultCryptCmd(use, short string, op func(*vault.Vault, string) (string, error)) *cobra.Command {
	var deploymentID string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deploymentID == "" {
				return errors.New("missing --deployment-id (or set VAULT_DEPLOYMENT_ID)")
			}
			v, err := vault.New(deploymentID)
			if err != nil {
				return err
			}

			input, err := io.ReadAll(bufio.NewReader(cmd.InOrStdin()))
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}

			out, err := op(v, strings.TrimRight(string(input), "\r\n"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&deploymentID, "deployment-id", os.Getenv("VAULT_DEPLOYMENT_ID"), "Deployment id the key is derived from")
	return cmd
}
