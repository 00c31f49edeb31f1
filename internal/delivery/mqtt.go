package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	maxQoS                   = 2
	maxPayloadSize           = 1 << 20
)

// ErrNotConnected is returned when publishing while the broker is unreachable.
var ErrNotConnected = errors.New("delivery: mqtt not connected")

// MQTTOptions configures an MQTT publisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTTPublisher publishes over MQTT.
type MQTTPublisher struct {
	client pahomqtt.Client
	qos    byte
}

// NewMQTTPublisher connects to the broker.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	if opts.QoS > maxQoS {
		return nil, fmt.Errorf("delivery: invalid qos %d", opts.QoS)
	}

	co := pahomqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectTimeout(defaultConnectTimeout)

	client := pahomqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("delivery: connect to %s: timeout after %v", opts.Broker, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("delivery: connect to %s: %w", opts.Broker, err)
	}
	return &MQTTPublisher{client: client, qos: opts.QoS}, nil
}

// Publish sends payload to topic and waits for the broker acknowledgment,
// bounded by ctx and the publish timeout.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("delivery: payload size %d exceeds maximum %d bytes", len(payload), maxPayloadSize)
	}
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, p.qos, false, payload)
	timer := time.NewTimer(defaultPublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("delivery: publish to %s: timeout after %v", topic, defaultPublishTimeout)
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}
