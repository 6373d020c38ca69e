// internal/ingress/mqtt.go
package ingress

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	pmqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telemetry-gateway/internal/data"
)

const TransportMQTT = "mqtt"

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
}

func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{Topic: "sensors/+/data", QoS: 1}
}

// MQTTSubscriber feeds readings published on sensors/{device_id}/data into
// the pipeline.
type MQTTSubscriber struct {
	cfg    MQTTConfig
	sub    Submitter
	logger zerolog.Logger
	ctx    context.Context
	client pmqtt.Client
}

func NewMQTTSubscriber(cfg MQTTConfig, sub Submitter, logger zerolog.Logger) *MQTTSubscriber {
	if cfg.Topic == "" {
		cfg.Topic = DefaultMQTTConfig().Topic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "telemetry-gateway-" + uuid.NewString()
	}
	return &MQTTSubscriber{
		cfg:    cfg,
		sub:    sub,
		logger: logger.With().Str("component", "mqtt").Logger(),
		ctx:    context.Background(),
	}
}

func (m *MQTTSubscriber) options() *pmqtt.ClientOptions {
	opt := pmqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ pmqtt.Client, err error) {
			m.logger.Warn().Err(err).Msg("Connection Lost")
		}).
		// subscriptions are restored on every (re)connect
		SetOnConnectHandler(func(c pmqtt.Client) {
			m.logger.Info().Str("broker", m.cfg.Broker).Msg("Connected to mqtt broker")
			token := c.Subscribe(m.cfg.Topic, m.cfg.QoS, m.HandleMessage)
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				m.logger.Error().Err(token.Error()).Str("topic", m.cfg.Topic).Msg("Subscribe failed")
			}
		})
	if m.cfg.Username != "" {
		opt.SetUsername(m.cfg.Username).SetPassword(m.cfg.Password)
	}
	if m.cfg.TLS {
		opt.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opt
}

// Run connects and stays subscribed until ctx is done.
func (m *MQTTSubscriber) Run(ctx context.Context) error {
	m.ctx = ctx
	m.client = pmqtt.NewClient(m.options())
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to mqtt broker %s: %w", m.cfg.Broker, token.Error())
	}

	<-ctx.Done()
	m.client.Disconnect(250)
	m.logger.Info().Msg("Disconnected from mqtt broker")
	return nil
}

// HandleMessage parses one publish and submits it. The device id in the topic
// must agree with the payload's.
func (m *MQTTSubscriber) HandleMessage(_ pmqtt.Client, msg pmqtt.Message) {
	deviceID := DeviceFromTopic(msg.Topic())
	r, credential, err := data.Parse(msg.Payload(), data.Meta{
		Transport:  TransportMQTT,
		DeviceID:   deviceID,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		m.sub.RejectMalformed(TransportMQTT, deviceID, err)
		return
	}

	if err := m.sub.Submit(m.ctx, r, credential); err != nil {
		m.logger.Warn().
			Err(err).
			Str("topic", msg.Topic()).
			Str("sensor_id", r.SensorID).
			Str("reason", Reason(err)).
			Msg("Reading rejected")
	}
}

// DeviceFromTopic extracts {device_id} from sensors/{device_id}/data.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensors" || parts[2] != "data" {
		return ""
	}
	return parts[1]
}
