package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"labcell/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	kafkago "github.com/segmentio/kafka-go"
)

// Event is one exported fact: a task-status transition or an inventory
// commit. Exporting is fire-and-forget — nothing in the orchestrator
// reads these back.
type Event struct {
	Kind      string      `json:"kind"` // "task_status" | "inventory_commit"
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Exporter publishes Events to whichever backend config.Audit.Exporter.Mode
// selects, mirroring shingo-edge/messaging/client.go's Connect/Publish/Close
// dual dispatch. Mode "none" makes every call a no-op.
type Exporter struct {
	mu     sync.RWMutex
	cfg    config.AuditExporterConfig
	mode   string
	mqttC  mqtt.Client
	kafkaW *kafkago.Writer
}

func NewExporter(cfg config.AuditExporterConfig) *Exporter {
	return &Exporter{cfg: cfg, mode: cfg.Mode}
}

// Connect dials the configured backend. A "none" mode is always ready.
func (e *Exporter) Connect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.mode {
	case "", "none":
		return nil
	case "mqtt":
		return e.connectMQTT()
	case "kafka":
		return e.connectKafka()
	default:
		return fmt.Errorf("audit: unknown exporter mode: %s", e.mode)
	}
}

func (e *Exporter) connectMQTT() error {
	opts := mqtt.NewClientOptions().
		AddBroker(e.cfg.MQTT.BrokerURL).
		SetClientID(e.cfg.MQTT.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("audit: mqtt connect: %w", err)
	}
	e.mqttC = client
	return nil
}

func (e *Exporter) connectKafka() error {
	e.kafkaW = &kafkago.Writer{
		Addr:         kafkago.TCP(e.cfg.Kafka.Brokers...),
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
	}
	return nil
}

// Publish encodes and ships one event. Publish errors are the caller's
// to log; the exporter never retries or buffers.
func (e *Exporter) Publish(evt Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch e.mode {
	case "", "none":
		return nil
	case "mqtt":
		return e.publishMQTT(evt)
	case "kafka":
		return e.publishKafka(evt)
	default:
		return fmt.Errorf("audit: unknown exporter mode: %s", e.mode)
	}
}

func (e *Exporter) publishMQTT(evt Event) error {
	if e.mqttC == nil || !e.mqttC.IsConnected() {
		return fmt.Errorf("audit: mqtt not connected")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	token := e.mqttC.Publish(e.cfg.MQTT.Topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

func (e *Exporter) publishKafka(evt Event) error {
	if e.kafkaW == nil {
		return fmt.Errorf("audit: kafka writer not initialized")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return e.kafkaW.WriteMessages(context.Background(), kafkago.Message{
		Topic: e.cfg.Kafka.Topic,
		Value: payload,
	})
}

// Close shuts down whichever backend connection is open.
func (e *Exporter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mqttC != nil {
		e.mqttC.Disconnect(1000)
		e.mqttC = nil
	}
	if e.kafkaW != nil {
		e.kafkaW.Close()
		e.kafkaW = nil
	}
}
