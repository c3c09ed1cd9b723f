package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"

	"github.com/ponytojas/water-sensor-sim/config"
	"github.com/ponytojas/water-sensor-sim/internal/database"
	"github.com/ponytojas/water-sensor-sim/internal/influx"
	"github.com/ponytojas/water-sensor-sim/internal/kafka"
	"github.com/ponytojas/water-sensor-sim/internal/mqtt"
	"github.com/ponytojas/water-sensor-sim/internal/sink"
)

// buildSinks opens every configured sink in dispatch order: console,
// file, mqtt, kafka, influx, timescale.
func buildSinks(ctx context.Context, cfg *config.Config, log zerolog.Logger) ([]sink.Sink, error) {
	format, err := sink.ParseFormat(cfg.Output.Format)
	if err != nil {
		return nil, err
	}

	var sinks []sink.Sink
	fail := func(err error) ([]sink.Sink, error) {
		closeSinks(sinks, log)
		return nil, err
	}

	configured := cfg.Output.File != "" || cfg.MQTTEnabled() || len(cfg.Kafka.Brokers) > 0 ||
		cfg.Influx.URL != "" || cfg.Timescale.Enabled

	if cfg.Output.Console || !configured {
		log.Info().Msg("sending output to screen")
		sinks = append(sinks, sink.NewConsole(os.Stdout, format))
	}

	if cfg.Output.File != "" {
		f, err := sink.NewFile(cfg.Output.File, format)
		if err != nil {
			return fail(err)
		}
		log.Info().Str("file", cfg.Output.File).Str("format", string(format)).Msg("sending output to file")
		sinks = append(sinks, f)
	}

	if cfg.MQTTEnabled() {
		if _, err := net.DefaultResolver.LookupHost(ctx, cfg.MQTTHost()); err != nil {
			return fail(fmt.Errorf("cannot resolve MQTT host %s: %w", cfg.MQTTHost(), err))
		}
		c := mqtt.NewClient(cfg, log.With().Str("sink", "mqtt").Logger())
		if err := c.Connect(); err != nil {
			// the other sinks keep running without it
			log.Error().Err(err).Msg("mqtt sink disabled")
		} else {
			log.Info().Str("broker", cfg.GetMQTTBrokerURL()).Str("topic", cfg.MQTT.Topic).Msg("sending output to MQTT")
			sinks = append(sinks, c)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("sending output to kafka")
		sinks = append(sinks, kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, log.With().Str("sink", "kafka").Logger()))
	}

	if cfg.Influx.URL != "" {
		sinks = append(sinks, influx.NewInflux(influx.Config{
			URL:         cfg.Influx.URL,
			Token:       cfg.Influx.Token,
			Org:         cfg.Influx.Org,
			Bucket:      cfg.Influx.Bucket,
			Measurement: cfg.Influx.Measurement,
		}, log.With().Str("sink", "influx").Logger()))
	}

	if cfg.Timescale.Enabled {
		db, err := database.NewTimescaleDB(ctx, cfg, log.With().Str("sink", "timescale").Logger())
		if err != nil {
			return fail(err)
		}
		if err := db.InitializeTable(ctx); err != nil {
			if cerr := db.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("failed to close database connection")
			}
			return fail(err)
		}
		sinks = append(sinks, db)
	}

	if len(sinks) == 0 {
		return nil, errors.New("no output sink could be started")
	}
	return sinks, nil
}

func closeSinks(sinks []sink.Sink, log zerolog.Logger) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("sink", s.Name()).Msg("failed to close sink")
		}
	}
}
