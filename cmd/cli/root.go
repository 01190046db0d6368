package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/jwksverify/internal/config"
	"github.com/turtacn/jwksverify/internal/infrastructure/monitoring"
	"github.com/turtacn/jwksverify/pkg/logger"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the jwksverify command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "jwksverify",
		Short: "Verify bearer tokens against an identity provider's JWKS.",
		Long: `jwksverify checks RS256 tokens against the signing certificates published
by an identity provider, and inspects the provider's key set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: ./config.yaml or /etc/jwksverify/config.yaml)")
	rootCmd.PersistentFlags().String("jwks-url", "", "JWKS endpoint of the identity provider")
	rootCmd.PersistentFlags().String("issuer", "", "expected iss claim")
	rootCmd.PersistentFlags().String("audience", "", "expected aud claim")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr")

	rootCmd.AddCommand(newVerifyCommand(opts))
	rootCmd.AddCommand(newKeysCommand(opts))
	return rootCmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (o *rootOptions) logger(cmd *cobra.Command) logger.Logger {
	return monitoring.NewZapLoggerWithWriter(&config.LogConfig{Level: o.logLevel}, cmd.ErrOrStderr())
}

func (o *rootOptions) loadConfig(cmd *cobra.Command, log logger.Logger, extra ...config.LoadOption) (*config.Config, error) {
	flags := cmd.Flags()
	opts := append([]config.LoadOption{
		config.WithFlag("verifier.jwks_url", flags.Lookup("jwks-url")),
		config.WithFlag("verifier.issuer", flags.Lookup("issuer")),
		config.WithFlag("verifier.audience", flags.Lookup("audience")),
	}, extra...)
	return config.LoadConfig(o.configPath, log, opts...)
}
