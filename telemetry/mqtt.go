package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	// Broker is e.g. tcp://localhost:1883; empty disables MQTT
	Broker   string `yaml:"broker" koanf:"broker"`
	ClientID string `yaml:"clientId" koanf:"clientId"`

	// Topic is the prefix, events go to Topic/<kind>
	Topic string `yaml:"topic" koanf:"topic"`
}

// client is the subset of mqtt.Client used here
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT forwards hub events to a broker
type MQTT struct {
	cfg    MQTTConfig
	client client
	log    *zap.Logger
}

// DialMQTT connects to the broker
func DialMQTT(cfg MQTTConfig, log *zap.Logger) (*MQTT, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "irissrv"
	}
	if cfg.Topic == "" {
		cfg.Topic = "iris"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	c := mqtt.NewClient(opts)
	if tok := c.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("telemetry: mqtt connect %s: %w", cfg.Broker, tok.Error())
	}
	return &MQTT{cfg: cfg, client: c, log: log}, nil
}

// Topic is the topic an event is published to
func (m *MQTT) Topic(e Event) string {
	return m.cfg.Topic + "/" + e.Kind
}

// Publish sends one event.  State and report events are retained so a new
// subscriber sees the latest.
func (m *MQTT) Publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		m.log.Warn("mqtt encode", zap.Error(err))
		return
	}
	retained := e.Kind == KindState || e.Kind == KindReport
	tok := m.client.Publish(m.Topic(e), 0, retained, payload)
	if tok.Wait() && tok.Error() != nil {
		m.log.Warn("mqtt publish", zap.String("topic", m.Topic(e)), zap.Error(tok.Error()))
	}
}

// Forward publishes hub events until the hub subscription is cancelled by stop
func (m *MQTT) Forward(h *Hub) (stop func()) {
	events, cancel := h.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			m.Publish(e)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Close disconnects from the broker
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
