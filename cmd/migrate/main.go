package main

import (
	"context"
	"flag"

	"supportdesk/internal/app"
	"supportdesk/internal/config"
	"supportdesk/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gorm.io/gorm/logger"
)

func main() {
	seed := flag.Bool("seed", false, "insert default roles, demo accounts and a sample session")
	flag.Parse()

	// 加载配置
	config.LoadDotEnv()
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	config.BindEnv(viper.GetViper())
	_ = viper.ReadInConfig()
	cfg := config.Load()

	log := logrus.StandardLogger()

	// 连接数据库
	db, err := app.OpenDB(cfg, logger.Info)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Info("Starting database migration...")
	if err := repository.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Info("Database migration completed successfully!")

	// 插入默认数据
	if *seed {
		log.Info("Seeding default data...")
		if err := repository.SeedDefaults(context.Background(), db, log); err != nil {
			log.Fatalf("Failed to seed: %v", err)
		}
		log.Info("Default data seeded successfully!")
	}

	log.Info("Migration process completed!")
}
