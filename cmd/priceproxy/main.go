package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Super-Protocol/price-proxy/internal/app"
	"github.com/Super-Protocol/price-proxy/internal/config"
)

const version = "v1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "priceproxy",
		Short:   "Multi-source price aggregation proxy",
		Version: version,
		Long: `priceproxy serves cached crypto and fiat prices fetched from exchange
and data-provider APIs, with TTL caching, proactive refresh, and
WebSocket streaming where the provider supports it.`,
		RunE: runServe,
	}
	rootCmd.Flags().StringP("config", "c", "config.yaml", "path to config file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if _, err := config.Load(path); err != nil {
				return err
			}
			log.Info().Str("path", path).Msg("config is valid")
			return nil
		},
	}
	validateCmd.Flags().StringP("config", "c", "config.yaml", "path to config file")
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version).
		Str("environment", string(cfg.Environment)).
		Int("port", cfg.Port).
		Msg("starting price proxy")
	return a.Run(ctx)
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Logger.Level)
	if err != nil || cfg.Logger.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Logger.IsPrettyEnabled {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
