package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/termlink/termlink/internal/config"
	"github.com/termlink/termlink/internal/server"
)

func tokenCmd() *cobra.Command {
	var configFlag string
	var subjectFlag string
	var ttlFlag time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for the configured auth secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configFlag != "" {
				loaded, err := config.Load(configFlag)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cfg.Server.AuthSecret == "" {
				return fmt.Errorf("server.auth_secret is not configured; the server runs open")
			}

			token, err := server.IssueToken([]byte(cfg.Server.AuthSecret), subjectFlag, ttlFlag)
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&subjectFlag, "subject", "termlink", "Token subject")
	cmd.Flags().DurationVar(&ttlFlag, "ttl", 30*24*time.Hour, "Token lifetime")
	return cmd
}
