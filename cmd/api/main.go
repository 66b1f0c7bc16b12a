package main

import (
	"fmt"
	"os"
	"os/signal"
	"pow-ledger/api"
	"pow-ledger/config"
	"pow-ledger/logger"
	"pow-ledger/network"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
)

var log = logger.Logger

func main() {
	app := &cli.App{
		Name:        "pow-ledger-api",
		Usage:       "REST API server for a set of proof-of-work ledger nodes",
		Description: "Runs the configured nodes in-process and exposes append, tamper, sync and consensus over HTTP",
		Version:     "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML config file",
			},
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on (overrides the config file)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Log level (debug, info, warn, error)",
			},
			&cli.UintFlag{
				Name:    "difficulty",
				Aliases: []string{"d"},
				Usage:   "Leading zero hex digits required of every mined block",
			},
			&cli.StringFlag{
				Name:  "nodes",
				Usage: "Comma separated node ids, e.g. A,B,C",
			},
			&cli.BoolFlag{
				Name:  "broadcast",
				Usage: "Sync every other node after each append",
			},
		},
		Action: runAPIServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("Application failed")
	}
}

// loadConfig reads the config file and applies any flags that were set.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}

	if c.IsSet("port") {
		cfg.API.Port = c.String("port")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("difficulty") {
		cfg.Difficulty = c.Uint("difficulty")
	}
	if c.IsSet("nodes") {
		cfg.Nodes = strings.Split(c.String("nodes"), ",")
	}
	if c.IsSet("broadcast") {
		cfg.BroadcastOnAppend = c.Bool("broadcast")
	}
	return cfg, cfg.Validate()
}

func runAPIServer(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	err = logger.Configure(logger.Options{
		Level:         cfg.Log.Level,
		File:          cfg.Log.File,
		DBPath:        cfg.Log.DB,
		ConsoleFilter: cfg.Log.ConsoleFilter,
	})
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	defer logger.Close()

	log.WithFields(logger.Fields{
		"port":       cfg.API.Port,
		"nodes":      cfg.Nodes,
		"difficulty": cfg.Difficulty,
		"version":    c.App.Version,
	}).Info("Starting PoW Ledger API Server")

	nodes, err := network.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create nodes: %w", err)
	}
	defer nodes.Close()

	server := api.NewServer(cfg.API.Port, nodes)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		sig := <-sigChan
		log.WithField("signal", sig).Info("Received shutdown signal")

		if err := server.Stop(); err != nil {
			log.WithError(err).Error("Error stopping server")
		}
	}()

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	log.Info("Server stopped gracefully")
	return nil
}
