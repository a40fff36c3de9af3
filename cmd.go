package main

import (
	"context"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cheahjs/lbnat/internal/config"
	"github.com/cheahjs/lbnat/internal/lb"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "lbnat",
		Short:         "Transparent TCP load balancer dataplane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a config file (yaml, toml or json)")
	if err := config.AddFlags(cmd, v); err != nil {
		panic(err)
	}
	return cmd
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

func run(ctx context.Context, cfg *config.Config) error {
	baseLogger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer baseLogger.Sync()
	logger := baseLogger.Sugar()

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()

	logger.Infof("Opening %s interfaces: client %s, backend %s",
		cfg.Interfaces.Driver, cfg.Interfaces.Client, cfg.Interfaces.Backend)
	dp, err := lb.New(logger, cfg)
	if err != nil {
		logger.Errorf("Failed to start dataplane: %v", err)
		return err
	}
	defer dp.Close()

	if err := dp.Run(ctx); err != nil {
		logger.Errorf("Dataplane stopped: %v", err)
		return err
	}
	logger.Info("Terminating")
	return nil
}
