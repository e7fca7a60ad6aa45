// Package emitter forwards pose events to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ayusman/poserig/internal/config"
	"github.com/ayusman/poserig/internal/pose"
)

// Timeouts and queue sizing.
const (
	ConnectTimeout = 5 * time.Second
	PublishTimeout = 2 * time.Second
	QueueSize      = 8
)

var (
	// ErrNotConnected is returned when publishing without a broker connection.
	ErrNotConnected = errors.New("mqtt not connected")
	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt timeout")
)

// MQTTEmitter publishes pose events to a broker topic.
// Emit never blocks the caller; Run does the publishing.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client

	queue chan pose.Event

	mu        sync.RWMutex
	published uint64
	dropped   uint64
	errors    uint64
	connected bool
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published uint64
	Dropped   uint64
	Errors    uint64
}

// NewMQTTEmitter creates an unconnected emitter.
func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:   cfg,
		queue: make(chan pose.Event, QueueSize),
	}
}

// Enabled reports whether a broker is configured.
func (e *MQTTEmitter) Enabled() bool {
	return e.cfg.Broker != ""
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection. Reconnects are automatic.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	if !e.Enabled() {
		return fmt.Errorf("%w: no broker configured", ErrNotConnected)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Printf("MQTT connected to %s as %s", e.cfg.Broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Printf("MQTT connection lost, reconnecting: %v", err)
	}

	e.Client = mqtt.NewClient(opts)

	log.Printf("Connecting to MQTT broker %s", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(ConnectTimeout):
		return fmt.Errorf("%w: connecting to %s", ErrTimeout, e.cfg.Broker)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Emit queues ev for publishing. When the queue is full the event is
// dropped; the broker only ever needs recent poses.
func (e *MQTTEmitter) Emit(ev pose.Event) {
	select {
	case e.queue <- ev:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Run publishes queued events until ctx is cancelled.
func (e *MQTTEmitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			if err := e.Publish(ev); err != nil {
				log.Printf("MQTT publish seq %d: %v", ev.Seq, err)
			}
		}
	}
}

// Payload encodes ev as published on the wire.
func Payload(ev pose.Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Publish sends ev to the configured topic and waits for the broker.
func (e *MQTTEmitter) Publish(ev pose.Event) error {
	if !e.isConnected() || e.Client == nil {
		e.countError()
		return ErrNotConnected
	}

	payload, err := Payload(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal pose event: %w", err)
	}

	token := e.Client.Publish(e.cfg.Topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(PublishTimeout) {
		e.countError()
		return fmt.Errorf("%w: publishing to %s", ErrTimeout, e.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		log.Println("MQTT disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Connected: e.connected,
		Published: e.published,
		Dropped:   e.dropped,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
