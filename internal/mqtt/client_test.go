package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/ponytojas/water-sensor-sim/internal/models"
	"github.com/ponytojas/water-sensor-sim/internal/sink"
)

type fakeToken struct {
	err       error
	completed bool
}

func (t *fakeToken) Wait() bool                     { return t.completed }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.completed }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.completed {
		close(ch)
	}
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the paho client methods the publisher uses.
type fakeClient struct {
	mqtt.Client
	open         bool
	token        *fakeToken
	published    []published
	disconnected bool
}

func (c *fakeClient) IsConnectionOpen() bool { return c.open }

func (c *fakeClient) Connect() mqtt.Token {
	if c.token.err == nil {
		c.open = true
	}
	return c.token
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return c.token
}

func (c *fakeClient) Disconnect(uint) {
	c.open = false
	c.disconnected = true
}

func batch() models.Batch {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.Batch{
		Station:   "river-01",
		Record:    1,
		Timestamp: ts,
		Readings:  []models.Reading{{SensorName: "ph", Value: 7.1, Unit: "pH", Timestamp: ts}},
	}
}

func TestEmitPublishesBatch(t *testing.T) {
	fc := &fakeClient{token: &fakeToken{completed: true}}
	c := newClient(fc, "tcp://broker:1883", "water/quality", 1, zerolog.Nop())
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := c.Emit(context.Background(), batch()); err != nil {
		t.Fatal(err)
	}
	if len(fc.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(fc.published))
	}
	msg := fc.published[0]
	if msg.topic != "water/quality" || msg.qos != 1 {
		t.Errorf("published to %s qos %d", msg.topic, msg.qos)
	}
	var got models.Batch
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("payload is not a JSON batch: %v", err)
	}
	if got.Record != 1 || len(got.Readings) != 1 || got.Readings[0].SensorName != "ph" {
		t.Errorf("unexpected payload %s", msg.payload)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !fc.disconnected {
		t.Error("close did not disconnect")
	}
}

func TestEmitFailures(t *testing.T) {
	brokerErr := errors.New("broker rejected")
	for _, test := range []struct {
		name   string
		client *fakeClient
	}{
		{name: "not connected", client: &fakeClient{token: &fakeToken{completed: true}}},
		{name: "timeout", client: &fakeClient{open: true, token: &fakeToken{}}},
		{name: "token error", client: &fakeClient{open: true, token: &fakeToken{completed: true, err: brokerErr}}},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := newClient(test.client, "tcp://broker:1883", "water/quality", 0, zerolog.Nop())
			err := c.Emit(context.Background(), batch())
			if !errors.Is(err, sink.ErrPublishFailure) {
				t.Fatalf("expected publish failure, got %v", err)
			}
		})
	}
}

func TestConnectFailure(t *testing.T) {
	fc := &fakeClient{token: &fakeToken{completed: true, err: errors.New("connection refused")}}
	c := newClient(fc, "tcp://broker:1883", "t", 0, zerolog.Nop())
	if err := c.Connect(); err == nil {
		t.Fatal("expected connect error")
	}
}
