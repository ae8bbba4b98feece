package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures an MQTTEmitter.
type MQTTOptions struct {
	Broker   string // host:port
	Topic    string // events go to Topic/<event type>
	ClientID string
}

// MQTTEmitter publishes events as JSON to an MQTT broker.
type MQTTEmitter struct {
	opts   MQTTOptions
	client mqtt.Client
	log    *slog.Logger

	published atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTEmitter creates an emitter. Call Connect before emitting.
func NewMQTTEmitter(opts MQTTOptions) *MQTTEmitter {
	return &MQTTEmitter{
		opts: opts,
		log:  slog.With("component", "mqtt", "broker", opts.Broker),
	}
}

// Connect establishes the broker connection. The client reconnects on its
// own afterwards.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.opts.Broker))
	opts.SetClientID(e.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.log.Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.log.Warn("mqtt connection lost, will auto-reconnect", "err", err)
	}

	e.client = mqtt.NewClient(opts)
	token := e.client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Emit publishes e without waiting for the broker acknowledgement.
func (e *MQTTEmitter) Emit(ev Event) {
	if e.client == nil || !e.client.IsConnectionOpen() {
		e.errors.Add(1)
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.errors.Add(1)
		return
	}
	e.client.Publish(e.opts.Topic+"/"+string(ev.Type), 0, false, payload)
	e.published.Add(1)
}

// Stats returns published and failed event counts.
func (e *MQTTEmitter) Stats() (published, failed uint64) {
	return e.published.Load(), e.errors.Load()
}

func (e *MQTTEmitter) Close() {
	if e.client != nil {
		e.client.Disconnect(250)
	}
}
