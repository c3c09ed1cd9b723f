package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ponytojas/water-sensor-sim/config"
	"github.com/ponytojas/water-sensor-sim/internal/models"
	"github.com/ponytojas/water-sensor-sim/internal/sink"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	quiesceMillis  = 250
)

var errNotConnected = errors.New("broker connection not open")

// Client publishes every tick's batch as one JSON message on a topic.
type Client struct {
	client    mqtt.Client
	brokerURL string
	topic     string
	qos       byte
	log       zerolog.Logger
}

// NewClient creates a new MQTT publisher; call Connect before Emit.
func NewClient(cfg *config.Config, log zerolog.Logger) *Client {
	opts := mqtt.NewClientOptions()
	brokerURL := cfg.GetMQTTBrokerURL()
	opts.AddBroker(brokerURL)

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "water-sensor-sim-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)

	if strings.HasPrefix(brokerURL, "ssl://") || strings.HasPrefix(brokerURL, "wss://") {
		log.Info().Str("broker", brokerURL).Msg("configuring TLS for secure connection")
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", brokerURL).Msg("connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Info().Str("broker", brokerURL).Msg("attempting to reconnect to MQTT broker")
	})

	return newClient(mqtt.NewClient(opts), brokerURL, cfg.MQTT.Topic, byte(cfg.MQTT.QoS), log)
}

func newClient(c mqtt.Client, brokerURL, topic string, qos byte, log zerolog.Logger) *Client {
	return &Client{
		client:    c,
		brokerURL: brokerURL,
		topic:     topic,
		qos:       qos,
		log:       log,
	}
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("failed to connect to MQTT broker %s: timed out", c.brokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.brokerURL, err)
	}
	c.log.Info().Str("broker", c.brokerURL).Str("topic", c.topic).Msg("connected to MQTT broker")
	return nil
}

func (c *Client) Name() string { return "mqtt:" + c.topic }

// Emit publishes b and waits for the broker to accept it.
func (c *Client) Emit(_ context.Context, b models.Batch) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return sink.PublishFailure(c.Name(), fmt.Errorf("marshal batch: %w", err))
	}
	if !c.client.IsConnectionOpen() {
		return sink.PublishFailure(c.Name(), errNotConnected)
	}

	token := c.client.Publish(c.topic, c.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return sink.PublishFailure(c.Name(), fmt.Errorf("publish timed out after %s", publishTimeout))
	}
	if err := token.Error(); err != nil {
		return sink.PublishFailure(c.Name(), err)
	}
	c.log.Debug().Str("topic", c.topic).Int64("record", b.Record).Msg("published readings")
	return nil
}

// Close disconnects from the MQTT broker
func (c *Client) Close() error {
	c.client.Disconnect(quiesceMillis)
	c.log.Info().Str("broker", c.brokerURL).Msg("disconnected from MQTT broker")
	return nil
}
