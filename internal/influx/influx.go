package influx

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/ponytojas/water-sensor-sim/internal/models"
	"github.com/ponytojas/water-sensor-sim/internal/sink"
)

// Config represents an influxdb config
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx writes one point per reading, synchronously, so write errors
// surface on the tick that caused them.
type Influx struct {
	config   Config
	client   influxdb2.Client
	writeAPI pointWriter
	log      zerolog.Logger
}

func NewInflux(config Config, log zerolog.Logger) *Influx {
	client := influxdb2.NewClient(config.URL, config.Token)
	log.Info().Str("url", config.URL).Str("bucket", config.Bucket).Msg("influxdb writer ready")
	return &Influx{
		config:   config,
		client:   client,
		writeAPI: client.WriteAPIBlocking(config.Org, config.Bucket),
		log:      log,
	}
}

func (i *Influx) Name() string { return "influx:" + i.config.Bucket }

func (i *Influx) Emit(ctx context.Context, b models.Batch) error {
	points := make([]*write.Point, 0, len(b.Readings))
	for _, r := range b.Readings {
		points = append(points, influxdb2.NewPoint(i.config.Measurement,
			map[string]string{
				"station": b.Station,
				"sensor":  r.SensorName,
				"unit":    r.Unit,
			},
			map[string]interface{}{
				"value": r.Value,
			},
			r.Timestamp))
	}
	if err := i.writeAPI.WritePoint(ctx, points...); err != nil {
		return sink.PublishFailure(i.Name(), fmt.Errorf("write points: %w", err))
	}
	return nil
}

// Close influx client
func (i *Influx) Close() error {
	if i.client != nil {
		i.client.Close()
	}
	return nil
}
