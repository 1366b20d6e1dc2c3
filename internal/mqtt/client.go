package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-serial-sensors/config"
	"github.com/ponytojas/go-serial-sensors/internal/models"
)

const publishTimeout = 5 * time.Second

// Publisher forwards readings to an MQTT broker as JSON
type Publisher struct {
	client mqtt.Client
	topic  string
	broker string
}

// NewPublisher creates a new MQTT publisher
func NewPublisher(cfg *config.Config) *Publisher {
	opts := mqtt.NewClientOptions()
	brokerURL := cfg.GetMQTTBrokerURL()
	opts.AddBroker(brokerURL)
	opts.SetClientID(cfg.MQTT.ClientID)

	// Configure TLS if using SSL or HTTPS
	if strings.HasPrefix(brokerURL, "ssl://") || strings.HasPrefix(brokerURL, "wss://") {
		log.Info().Str("broker", brokerURL).Msg("Configuring TLS for secure connection")
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Info().Msg("Attempting to reconnect to MQTT broker...")
	})

	return newPublisher(mqtt.NewClient(opts), cfg.MQTT.Topic, brokerURL)
}

func newPublisher(client mqtt.Client, topic, broker string) *Publisher {
	return &Publisher{
		client: client,
		topic:  topic,
		broker: broker,
	}
}

// Connect connects to the MQTT broker
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Info().Str("broker", p.broker).Msg("Connected to MQTT broker")
	return nil
}

// Disconnect disconnects from the MQTT broker
func (p *Publisher) Disconnect() {
	p.client.Disconnect(250)
	log.Info().Msg("Disconnected from MQTT broker")
}

// Name identifies the publisher among reading sinks
func (p *Publisher) Name() string {
	return "mqtt"
}

// Topic returns the topic a reading is published on: <topic>/<device_id>
func (p *Publisher) Topic(r models.Reading) string {
	if r.DeviceID == "" {
		return p.topic
	}
	return p.topic + "/" + r.DeviceID
}

// HandleReading publishes the reading and waits for the broker to accept it
func (p *Publisher) HandleReading(ctx context.Context, r models.Reading) error {
	payload, err := json.Marshal(r.Payload())
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	token := p.client.Publish(p.Topic(r), 0, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish to %s timed out", p.Topic(r))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}
	return nil
}
