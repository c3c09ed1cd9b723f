package main

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/ponytojas/water-sensor-sim/config"
	"github.com/ponytojas/water-sensor-sim/internal/mqtt"
	"github.com/ponytojas/water-sensor-sim/internal/sensor"
	"github.com/ponytojas/water-sensor-sim/internal/simulator"
)

func main() {
	cfg, err := config.LoadConfig(".", os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	initLogger(cfg.Log)

	os.Exit(exitCode(start(context.Background(), cfg, os.Interrupt, syscall.SIGTERM)))
}

// exitCode maps the result of start to the process exit status. A
// shutdown by signal or cancellation is a clean exit.
func exitCode(err error) int {
	var sig run.SignalError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &sig):
		log.Info().Str("signal", sig.Signal.String()).Msg("shutdown signal received")
		return 0
	case errors.Is(err, context.Canceled):
		log.Info().Msg("shutdown requested")
		return 0
	}
	log.Error().Err(err).Msg("simulator failed")
	return 1
}

func initLogger(c config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}

	// stdout belongs to the console sink
	var w io.Writer = os.Stderr
	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	if err != nil {
		log.Warn().Str("level", c.Level).Msg("unknown log level, using info")
	}
	mqtt.SetLogger(log.Logger)
}

// start runs the simulator until it finishes, parent is cancelled or one
// of signals arrives.
func start(parent context.Context, cfg *config.Config, signals ...os.Signal) error {
	station, err := sensor.Load(cfg.SensorFile)
	if err != nil {
		return err
	}
	if station.Name == sensor.DefaultStation && cfg.Station != "" {
		station.Name = cfg.Station
	}
	log.Info().
		Str("file", cfg.SensorFile).
		Str("station", station.Name).
		Int("sensors", len(station.Sensors)).
		Msg("sensor configuration loaded")

	backfillFrom, err := cfg.BackfillStart()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sinks, err := buildSinks(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}

	opts := simulator.Options{
		Interval: cfg.IntervalDuration(),
		Count:    cfg.Count,
		Logger:   log.Logger,
	}
	if cfg.Seed != 0 {
		opts.Rand = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	}
	loop, err := simulator.New(station, sinks, opts)
	if err != nil {
		closeSinks(sinks, log.Logger)
		return err
	}

	var g run.Group
	g.Add(func() error {
		if !backfillFrom.IsZero() {
			return loop.Backfill(ctx, backfillFrom)
		}
		return loop.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(ctx, signals...))

	return g.Run()
}
