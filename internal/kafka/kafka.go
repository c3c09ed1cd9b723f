package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/ponytojas/water-sensor-sim/internal/models"
	"github.com/ponytojas/water-sensor-sim/internal/sink"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer publishes each batch as one JSON message keyed by station.
type Writer struct {
	w     messageWriter
	topic string
	log   zerolog.Logger
}

func NewWriter(brokers []string, topic string, log zerolog.Logger) *Writer {
	return &Writer{
		w: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
			// One message per tick: flush it at once instead of waiting
			// for the default one second batch timeout.
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
			RequiredAcks: kafka.RequireOne,
		},
		topic: topic,
		log:   log,
	}
}

func (w *Writer) Name() string { return "kafka:" + w.topic }

func (w *Writer) Emit(ctx context.Context, b models.Batch) error {
	v, err := json.Marshal(b)
	if err != nil {
		return sink.PublishFailure(w.Name(), fmt.Errorf("marshal batch: %w", err))
	}
	msg := kafka.Message{Key: []byte(b.Station), Value: v, Time: b.Timestamp}
	if err := w.w.WriteMessages(ctx, msg); err != nil {
		return sink.PublishFailure(w.Name(), err)
	}
	w.log.Debug().Str("topic", w.topic).Int64("record", b.Record).Msg("published readings")
	return nil
}

func (w *Writer) Close() error {
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
