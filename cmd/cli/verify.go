package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turtacn/jwksverify/internal/bootstrap"
)

func newVerifyCommand(root *rootOptions) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "verify [--token TOKEN | -]",
		Short: "Verify a token and print its claims as JSON",
		Long: `Verify a token against the configured identity provider. The token is taken
from --token, or read from standard input when the argument or --token is "-".
Prints the claims on success; on failure prints the error kind and exits 1.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				token = args[0]
			}
			if token == "-" {
				read, err := readToken(cmd.InOrStdin())
				if err != nil {
					return err
				}
				token = read
			}

			log := root.logger(cmd)
			defer log.Sync()

			cfg, err := root.loadConfig(cmd, log)
			if err != nil {
				return err
			}

			components, err := bootstrap.Build(cmd.Context(), cfg, log, nil)
			if err != nil {
				return err
			}
			defer components.Close()

			claims, err := components.Verifier.VerifyAndGetClaims(cmd.Context(), token)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(claims)
		},
	}

	cmd.Flags().StringVar(&token, "token", "", `token to verify, or "-" for stdin`)
	return cmd
}

func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read token from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
