package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chanrelay/chanrelay-server/internal/app"
	"github.com/chanrelay/chanrelay-server/internal/config"
	"github.com/chanrelay/chanrelay-server/internal/identity"
	logpkg "github.com/chanrelay/chanrelay-server/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "chanrelay-server",
		Short:         "Presence-aware websocket message relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(newHashPasswordCmd())
	root.AddCommand(newClusterTokenCmd(&configPath))
	return root
}

func runServe(configPath string) error {
	bootLog := logpkg.New("info", true)
	cfg, usedPath, err := config.Load(bootLog, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logpkg.New(cfg.LogLevel, cfg.LogPretty)
	logger.Info().Str("config", usedPath).Str("server", cfg.ServerName).Msg("starting relay node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Hash a password for the local account file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := identity.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newClusterTokenCmd(configPath *string) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "cluster-token",
		Short: "Mint a token for the node control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(nil, *configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.ClusterKey == "" {
				return fmt.Errorf("cluster_key is not configured")
			}
			tokens := identity.NewClusterTokens([]byte(cfg.ClusterKey), cfg.ServerName, ttl)
			token, err := tokens.Generate(cfg.ServerName, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
