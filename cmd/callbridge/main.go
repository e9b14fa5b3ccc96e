// callbridge connects outbound phone calls to a realtime speech model.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-callbridge/internal/config"
	"github.com/teslashibe/go-callbridge/internal/log"
	"github.com/teslashibe/go-callbridge/pkg/server"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "callbridge",
		Short:         "Bridge outbound phone calls to a realtime speech model",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "path to a yaml config file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(), newCallCmd())
	return root
}

// loadConfig resolves the config file and applies the persistent flags over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	log.Init(cfg.LogLevel)
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetInt("port"); port > 0 {
				cfg.Server.Port = port
			}
			return serve(cfg)
		},
	}
	cmd.Flags().Int("port", 0, "HTTP port (overrides config and PORT)")
	return cmd
}

func serve(cfg *config.Config) error {
	logger := log.Component("main")
	server.Version = version

	deps, cleanup := buildDeps(cfg, log.L())
	defer cleanup()

	srv := server.New(cfg, deps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(":" + strconv.Itoa(cfg.Server.Port))
	}()
	logger.Info("callbridge started",
		"version", version,
		"port", cfg.Server.Port,
		"public_host", cfg.Server.PublicHost,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String(), "active_calls", srv.ActiveCalls())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("stopped")
	return nil
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place one outbound call through a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			to, _ := cmd.Flags().GetString("to")
			name, _ := cmd.Flags().GetString("name")
			from, _ := cmd.Flags().GetString("from")
			if from == "" {
				from = cfg.Twilio.FromNumber
			}

			client := newTelephonyClient(cfg, log.L())
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			res, err := server.Originate(ctx, client, cfg.Server.PublicHost, server.OriginateRequest{
				To:   to,
				Name: name,
				From: from,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "call %s placed (outbound id %s, status %s)\n", res.CallSID, res.OutboundID, res.Status)
			return nil
		},
	}
	cmd.Flags().String("to", "", "number to call (E.164)")
	cmd.Flags().String("name", "", "name of the person being called")
	cmd.Flags().String("from", "", "caller id (defaults to twilio.from_number)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
