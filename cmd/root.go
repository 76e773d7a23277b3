// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/adprobe/internal/config"
	"github.com/xkilldash9x/adprobe/internal/observability"
)

type contextKey string

const (
	configKey contextKey = "config"
	loggerKey contextKey = "logger"
)

// flagBindings maps command flags onto config keys so that a flag, when set,
// takes precedence over the config file and the environment.
var flagBindings = map[string]string{
	"max-clicks":   "interaction.max_candidates",
	"catalog":      "catalog.path",
	"metrics-addr": "metrics.addr",
	"concurrency":  "browser.concurrency",
	"headless":     "browser.headless",
}

// NewRootCommand builds a fresh command tree. Each call is independent, so
// tests never share flag state.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "adprobe",
		Short:         "adprobe finds ad placements on web pages and follows where their clicks lead.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			logger := observability.NewLogger(cfg.Logger, zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())))
			logger.Debug("Starting adprobe", zap.String("version", Version))

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = context.WithValue(ctx, configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger, ok := cmd.Context().Value(loggerKey).(*zap.Logger); ok {
				observability.Sync(logger)
			}
		},
	}
	cmd.SetVersionTemplate(`{{printf "adprobe version %s\n" .Version}}`)
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newCatalogCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the CLI with ctx, which is expected to be cancelled on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

// initializeConfig reads the config file, environment and bound flags into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	config.BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}
	return bindFlags(cmd.Flags(), v)
}

func bindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	for name, key := range flagBindings {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// fromContext returns what PersistentPreRunE stored for subcommands.
func fromContext(ctx context.Context) (*config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, nil, fmt.Errorf("configuration not initialized")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		logger = zap.NewNop()
	}
	return cfg, logger, nil
}
