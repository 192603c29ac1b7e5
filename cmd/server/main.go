package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"supportdesk/internal/app"
	"supportdesk/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	configFile := flag.String("config", "", "config file (default ./config.yml)")
	migrate := flag.Bool("migrate", true, "run auto migration on startup")
	flag.Parse()

	// .env -> config.yml -> SUPPORTDESK_* 环境变量
	config.LoadDotEnv()
	if *configFile != "" {
		viper.SetConfigFile(*configFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	config.BindEnv(viper.GetViper())
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.Fatalf("Failed to read config: %v", err)
		}
	}

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, appLogger, app.Options{Migrate: *migrate})
	if err != nil {
		appLogger.Fatalf("Failed to start: %v", err)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			appLogger.Warnf("close: %v", err)
		}
	}()

	if err := a.Run(ctx); err != nil {
		appLogger.Errorf("Server error: %v", err)
	}
}
