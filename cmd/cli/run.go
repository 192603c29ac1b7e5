package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"supportdesk/internal/app"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runMigrate bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supportdesk HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logrus.StandardLogger(), app.Options{Migrate: runMigrate})
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(context.Background()); err != nil {
				logrus.Warnf("close: %v", err)
			}
		}()
		return a.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runMigrate, "migrate", true, "run auto migration before serving")
}
