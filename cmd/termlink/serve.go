package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/logger"
	"github.com/termlink/termlink/internal/server"
	"github.com/termlink/termlink/internal/session"
	"github.com/termlink/termlink/internal/store"
)

func serveCmd() *cobra.Command {
	var configFlag string
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the termlink server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configFlag != "" {
				loaded, err := config.Load(configFlag)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}

			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			db, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			registry := session.NewRegistry(cfg, db)
			defer registry.Stop()

			srv := server.New(cfg, registry)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(cfg.Server.Addr)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
				srv.Close()
				return nil
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (overrides config)")
	return cmd
}
