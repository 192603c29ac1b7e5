package main

import (
	"supportdesk/internal/app"
	"supportdesk/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"
)

var migrateSeed bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := app.OpenDB(cfg, logger.Warn)
		if err != nil {
			return err
		}
		if err := repository.Migrate(db); err != nil {
			return err
		}
		logrus.Info("Database migration completed")

		if migrateSeed {
			if err := repository.SeedDefaults(cmd.Context(), db, logrus.StandardLogger()); err != nil {
				return err
			}
			logrus.Info("Default data seeded")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateSeed, "seed", false, "insert default roles, demo accounts and a sample session")
}
