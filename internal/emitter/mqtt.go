// Package emitter publishes steady detection cycles to an MQTT broker.
//
// ObserveCycle never blocks the scheduler: reports go through a bounded
// queue drained by a single publish loop, and are dropped when it is full.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-player/config"
	"github.com/e7canasta/orion-player/scheduler"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Config configures an Emitter.
type Config struct {
	MQTT       config.MQTTConfig
	InstanceID string
	Logger     *slog.Logger
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// MQTTEmitter publishes cycle reports to the broker.
type MQTTEmitter struct {
	cfg    Config
	topic  string
	logger *slog.Logger
	queue  chan scheduler.CycleReport

	client mqtt.Client

	mu        sync.RWMutex
	published uint64
	dropped   uint64
	errors    uint64
	connected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an emitter with its queue. Reports observed before Connect are
// kept until the queue fills.
func New(cfg Config) *MQTTEmitter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.MQTT.QueueSize
	if size <= 0 {
		size = 64
	}
	return &MQTTEmitter{
		cfg:    cfg,
		topic:  Topic(cfg.MQTT.TopicPrefix, cfg.InstanceID),
		logger: logger,
		queue:  make(chan scheduler.CycleReport, size),
	}
}

// Topic returns the topic cycles are published on.
func (e *MQTTEmitter) Topic() string {
	return e.topic
}

// Connect establishes the broker connection and starts the publish loop.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := brokerURL(e.cfg.MQTT.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("emitter: mqtt connection established",
			"broker", broker,
			"client_id", e.cfg.InstanceID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
		)
	}

	e.client = mqtt.NewClient(opts)

	e.logger.Info("emitter: connecting to mqtt broker", "broker", broker, "topic", e.topic)

	token := e.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.run(loopCtx)

	return nil
}

// ObserveCycle implements scheduler.CycleObserver.
func (e *MQTTEmitter) ObserveCycle(r scheduler.CycleReport) {
	select {
	case e.queue <- r:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.logger.Debug("emitter: queue full, dropping cycle", "seq", r.Seq)
	}
}

func (e *MQTTEmitter) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-e.queue:
			if err := e.publish(r); err != nil {
				e.logger.Warn("emitter: publish failed", "seq", r.Seq, "error", err)
			}
		}
	}
}

func (e *MQTTEmitter) publish(r scheduler.CycleReport) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := Encode(Message{InstanceID: e.cfg.InstanceID, Cycle: r}, e.cfg.MQTT.Encoding)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to encode cycle: %w", err)
	}

	token := e.client.Publish(e.topic, e.cfg.MQTT.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	e.logger.Debug("emitter: cycle published",
		"topic", e.topic,
		"seq", r.Seq,
		"objects", len(r.Output.Objects),
		"size", len(payload),
	)
	return nil
}

// Disconnect stops the publish loop and closes the connection.
func (e *MQTTEmitter) Disconnect() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
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

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// brokerURL adds the tcp scheme to bare host:port addresses.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
