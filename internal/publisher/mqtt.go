package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("publisher: publish timed out")

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTPublisher publishes over a paho client.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
}

// NewMQTTPublisher connects to the broker.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("publisher: broker required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetMaxReconnectInterval(30 * time.Second)

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", opts.Broker, err)
	}

	return &MQTTPublisher{client: client, qos: opts.QoS}, nil
}

// Publish waits for the broker until ctx is done.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPublishTimeout, ctx.Err())
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
