package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapforge/tilefetch/internal/api"
	"github.com/mapforge/tilefetch/internal/app"
	"github.com/mapforge/tilefetch/internal/config"
	"github.com/mapforge/tilefetch/internal/logging"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download all configured sources and build their archives",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		logger, err := logging.New(cfg.Global.Development)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Server.Enabled {
			go api.NewServer(cfg.Server, logger).Start(ctx)
		}

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Warn("close pipeline", zap.Error(err))
			}
		}()

		return a.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}
