package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"drone-relay-server/app"
	"drone-relay-server/config"
	"drone-relay-server/logging"
	"drone-relay-server/simulator"
)

const (
	configFlag   = "config"
	logLevelFlag = "log-level"

	simPortFlag     = "port"
	simDroneIDFlag  = "drone-id"
	simIntervalFlag = "interval"
)

var serveCmd = &cli.Command{
	Name:   "serve",
	Usage:  "run the relay server",
	Action: runServe,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    configFlag,
			Aliases: []string{"c"},
			Usage:   "path to a YAML config file",
		},
		&cli.StringFlag{
			Name:  logLevelFlag,
			Usage: "override the configured log level",
		},
	},
}

var simulateCmd = &cli.Command{
	Name:   "simulate",
	Usage:  "run a simulated drone telemetry endpoint",
	Action: runSimulate,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  simPortFlag,
			Usage: "port the simulator listens on",
			Value: 9002,
		},
		&cli.StringFlag{
			Name:  simDroneIDFlag,
			Usage: "drone id reported in frames",
			Value: simulator.DefaultDroneID,
		},
		&cli.DurationFlag{
			Name:  simIntervalFlag,
			Usage: "time between gps frames",
			Value: simulator.DefaultInterval,
		},
	},
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:           "drone-relay-server",
		Usage:          "RTMP relay and drone telemetry server",
		DefaultCommand: "serve",
		Commands:       []*cli.Command{serveCmd, simulateCmd},
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(config.LoadOptions{Path: cmd.String(configFlag)})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl := cmd.String(logLevelFlag); lvl != "" {
		cfg.Log.Level = lvl
	}

	logger := logging.New(cfg.Log)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}

	start := time.Now()
	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("relay server exited with error")
		return err
	}
	logger.Info().Dur("uptime", time.Since(start)).Msg("relay server exited gracefully")
	return nil
}

func runSimulate(ctx context.Context, cmd *cli.Command) error {
	logger := logging.New(logging.Config{Level: "info", Format: "console"})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := simulator.New(simulator.Options{
		DroneID:  cmd.String(simDroneIDFlag),
		Interval: cmd.Duration(simIntervalFlag),
		Logger:   logging.WithComponent(logger, "simulator"),
	})
	return sim.ListenAndServe(ctx, fmt.Sprintf("0.0.0.0:%d", cmd.Int(simPortFlag)))
}

func main() {
	if err := rootCommand().Run(context.Background(), os.Args); err != nil {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("drone-relay-server failed")
	}
}
