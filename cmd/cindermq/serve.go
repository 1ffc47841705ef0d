package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nilsen/cindermq/internal/broker"
	"github.com/nilsen/cindermq/internal/config"
	"github.com/nilsen/cindermq/internal/logger"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker, blocking until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return err
		}

		log := logger.New(logger.Config{
			Level:     parseLevel(cfg.LogLevel),
			Format:    cfg.LogFormat,
			Component: cfg.Name,
			Version:   cfg.Version,
		})

		b, err := broker.New(cfg, log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				b.NotifyHUP()
			}
		}()

		log.Info("broker starting", logger.String("name", cfg.Name), logger.String("version", cfg.Version))
		return b.Run(ctx)
	},
}

// parseLevel maps the config file's textual log level onto the
// logger package's LogLevel enum; viper hands us a plain string, the
// logger only understands the typed constants.
func parseLevel(s string) logger.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return logger.LevelDebug
	case "warn", "warning":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	case "fatal":
		return logger.LevelFatal
	default:
		return logger.LevelInfo
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to a YAML config file")
}
