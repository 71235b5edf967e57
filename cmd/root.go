package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/internal/config"
	"github.com/pkgsentry/pkgsentry/internal/observability"
)

type contextKey string

// configContextKey carries the resolved configuration from the root
// command's PersistentPreRunE to the subcommands.
const configContextKey contextKey = "pkgsentry-config"

// getConfigFromContext retrieves the resolved configuration placed on the
// command context during preflight.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configContextKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration missing from command context")
	}
	return cfg, nil
}

// NewRootCommand builds the root command tree. Construction is a function
// rather than package state so tests can build isolated instances.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "pkgsentry",
		Short:         "pkgsentry analyzes software packages for supply-chain risk.",
		Long: `pkgsentry runs a staged analysis pipeline over a dependency manifest:
known-vulnerability lookup, registry reputation, code pattern judgment and
local supply-chain heuristics, merged into a single consolidated report.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := initializeViper(cfgFile)
			if err != nil {
				return err
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				// A fallback logger so the failure itself is visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "pkgsentry"})
				return err
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting pkgsentry", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configContextKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./pkgsentry.yaml, then ~/.pkgsentry/pkgsentry.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	provider := NewStoreProvider()
	rootCmd.AddCommand(newAnalyzeCmd(provider))
	rootCmd.AddCommand(newReportCmd(provider))

	return rootCmd
}

// Execute runs the root command with a signal-aware context. It is the only
// entry point main uses.
func Execute(ctx context.Context) {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// initializeViper builds a viper instance with defaults, the config file (when
// one exists) and the PKGSENTRY_* environment overlay.
func initializeViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pkgsentry"))
		}
		v.SetConfigName("pkgsentry")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PKGSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file anywhere on the search path; defaults and env
		// variables carry the run.
	}
	return v, nil
}
