package infrastructure

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/akshad-exe/AirSense/internal/metrics"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Message types, taken from the last topic level.
const (
	MessageTypeReadings = "readings"

	// DeadLetterIngest is the WAL entry type of a spooled ingestion request.
	DeadLetterIngest = "ingest_request"
)

const handlerTimeout = 30 * time.Second

// MessageHandler processes MQTT messages
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	BrokerURL         string
	ClientID          string
	Username          string
	Password          string
	QoS               byte
	CleanSession      bool
	Topics            []string
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	MaxReconnectDelay time.Duration
	TLSConfig         *tls.Config
}

// MQTTSubscriber handles MQTT connections and message processing
type MQTTSubscriber struct {
	config    MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handlers  map[string]MessageHandler
	mu        sync.RWMutex
	connected bool
	wg        sync.WaitGroup
}

// NewMQTTSubscriber creates a new MQTT subscriber
func NewMQTTSubscriber(config MQTTConfig, logger *logrus.Logger) (*MQTTSubscriber, error) {
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}

	if config.ClientID == "" {
		config.ClientID = "airsense-" + uuid.New().String()
	}

	return &MQTTSubscriber{
		config:   config,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
	}, nil
}

// RegisterHandler registers a handler for a specific message type
func (s *MQTTSubscriber) RegisterHandler(messageType string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[messageType] = handler
}

// Start connects to MQTT broker and subscribes to topics
func (s *MQTTSubscriber) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.BrokerURL)
	opts.SetClientID(s.config.ClientID)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	opts.SetCleanSession(s.config.CleanSession)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.config.MaxReconnectDelay)

	if s.config.TLSConfig != nil {
		opts.SetTLSConfig(s.config.TLSConfig)
	}

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)
	opts.SetDefaultPublishHandler(s.messageHandler)

	s.client = mqtt.NewClient(opts)

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.logger.WithField("broker", s.config.BrokerURL).Info("MQTT subscriber started")
	return nil
}

// Stop unsubscribes, disconnects and waits for in-flight messages.
func (s *MQTTSubscriber) Stop() {
	s.logger.Info("Stopping MQTT subscriber...")

	if s.client != nil && s.client.IsConnected() {
		for _, topic := range s.config.Topics {
			if token := s.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				s.logger.WithError(token.Error()).WithField("topic", topic).
					Error("Failed to unsubscribe from topic")
			}
		}
		s.client.Disconnect(250)
	}

	s.wg.Wait()
	s.logger.Info("MQTT subscriber stopped")
}

// IsConnected returns the connection status
func (s *MQTTSubscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("Connected to MQTT broker")

	// Subscriptions are renewed on every reconnect.
	for _, topic := range s.config.Topics {
		if token := client.Subscribe(topic, s.config.QoS, nil); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			s.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}
}

func (s *MQTTSubscriber) onConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (s *MQTTSubscriber) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	s.logger.Info("Attempting to reconnect to MQTT broker...")
}

func (s *MQTTSubscriber) messageHandler(client mqtt.Client, msg mqtt.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processMessage(msg)
	}()
}

func (s *MQTTSubscriber) processMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	s.logger.WithFields(logrus.Fields{
		"topic":      topic,
		"message_id": msg.MessageID(),
		"qos":        msg.Qos(),
		"retained":   msg.Retained(),
		"size":       len(payload),
	}).Debug("Received MQTT message")

	messageType := messageTypeOf(topic)

	s.mu.RLock()
	handler, exists := s.handlers[messageType]
	s.mu.RUnlock()

	if !exists {
		s.logger.WithFields(logrus.Fields{
			"topic":        topic,
			"message_type": messageType,
		}).Warn("No handler registered for message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := handler(ctx, topic, payload); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"topic":      topic,
			"message_id": msg.MessageID(),
		}).Error("Failed to process MQTT message")
	}
}

// messageTypeOf returns the last level of topic, e.g. "readings" for
// airsense/devices/esp-1/readings.
func messageTypeOf(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// deviceIDFromTopic extracts {id} from .../devices/{id}/...
func deviceIDFromTopic(topic string) string {
	levels := strings.Split(topic, "/")
	for i := 0; i+1 < len(levels); i++ {
		if levels[i] == "devices" {
			return levels[i+1]
		}
	}
	return ""
}

// --- Reading ingestion over MQTT ---

// Ingestor runs one submission through the ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, req core.IngestRequest) (*core.Reading, error)
}

// DeadLetterSink keeps submissions that failed for reasons the device cannot
// fix.
type DeadLetterSink interface {
	Append(entryType string, data interface{}) (WALEntry, error)
}

// DecodeReadingMessage parses a reading payload (see core.DecodeIngestRequest).
// The device id falls back to the topic when the payload omits it.
func DecodeReadingMessage(topic string, payload []byte) (core.IngestRequest, error) {
	req, err := core.DecodeIngestRequest(payload)
	if err != nil {
		return core.IngestRequest{}, fmt.Errorf("malformed reading payload: %w", err)
	}

	req.Source = core.SourceMQTT
	if req.DeviceID == "" {
		req.DeviceID = deviceIDFromTopic(topic)
	}
	return req, nil
}

// NewReadingHandler ingests reading messages. Submissions that fail with an
// internal error are spooled to deadLetters for a later replay; every other
// rejection has already been logged by the pipeline and is dropped.
func NewReadingHandler(ingestor Ingestor, deadLetters DeadLetterSink, logger *logrus.Logger, m *metrics.Metrics) MessageHandler {
	return func(ctx context.Context, topic string, payload []byte) error {
		req, err := DecodeReadingMessage(topic, payload)
		if err != nil {
			logger.WithError(err).WithField("topic", topic).Warn("Discarding malformed reading")
			return nil
		}

		_, err = ingestor.Ingest(ctx, req)
		if err == nil || core.KindOf(err) != core.KindInternal {
			return nil
		}

		if deadLetters == nil {
			return fmt.Errorf("reading from %s lost: %w", req.DeviceID, err)
		}
		entry, walErr := deadLetters.Append(DeadLetterIngest, req)
		if walErr != nil {
			return fmt.Errorf("failed to spool reading from %s: %w", req.DeviceID, errors.Join(err, walErr))
		}

		m.DeadLetter()
		logger.WithFields(logrus.Fields{
			"device_id": req.DeviceID,
			"entry_id":  entry.ID,
		}).Warn("Reading spooled to dead-letter log")
		return nil
	}
}
