package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"tissueseg/pkg/config"
)

var (
	configPath string
	numWorkers int
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "tissueseg",
		Short: "Threshold, grow and interpolate tissue segmentations of image stacks",
		Long: `tissueseg loads a directory of slice images into a volume and runs
region growing, skin generation and slice interpolation on it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if numWorkers > 0 {
				cfg.Processing.NumWorkers = numWorkers
			}
			level, err := cfg.LogLevel()
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().IntVar(&numWorkers, "workers", 0, "Number of worker goroutines (default: from config)")

	rootCmd.AddCommand(infoCmd, segmentCmd, exportCmd, initConfigCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
