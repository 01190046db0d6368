package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turtacn/jwksverify/internal/bootstrap"
	"github.com/turtacn/jwksverify/internal/config"
	domain "github.com/turtacn/jwksverify/internal/domain/service"
	"github.com/turtacn/jwksverify/internal/infrastructure/jwks"
)

func newKeysCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Fetch the identity provider's key set and list its keys",
		Long: `Fetch the key set from the configured JWKS URL and list every entry in
document order. USABLE tells whether the entry can verify tokens here: only
entries with an x5c RSA certificate can, and only the first entry of a kid is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := root.logger(cmd)
			defer log.Sync()

			cfg, err := root.loadConfig(cmd, log, config.SkipValidation())
			if err != nil {
				return err
			}
			if cfg.Verifier.JWKSURL == "" {
				return fmt.Errorf("a JWKS URL is required (--jwks-url or verifier.jwks_url)")
			}

			source := jwks.NewSource(bootstrap.NewHTTPClient(&cfg.HTTP, log), log)
			doc, err := source.Fetch(cmd.Context(), cfg.Verifier.JWKSURL)
			if err != nil {
				return err
			}

			resolver := domain.NewKeyResolver()
			seen := make(map[string]bool)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KID\tKTY\tALG\tUSE\tX5C\tUSABLE")
			for _, k := range doc.Keys {
				usable := "no"
				if !seen[k.Kid] {
					if _, err := resolver.Resolve(doc, k.Kid); err == nil {
						usable = "yes"
					}
				} else {
					usable = "shadowed"
				}
				seen[k.Kid] = true
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", k.Kid, k.Kty, k.Alg, k.Use, len(k.X5c), usable)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if len(doc.Keys) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "key set contains no keys")
			}
			return nil
		},
	}
}
