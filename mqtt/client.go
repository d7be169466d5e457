package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/eddielth/telemetry-hub/config"
	"github.com/eddielth/telemetry-hub/logger"
	"github.com/eddielth/telemetry-hub/metrics"
	"github.com/eddielth/telemetry-hub/queue"
	"github.com/eddielth/telemetry-hub/transformer"
)

// Publisher enqueues jobs
type Publisher interface {
	Publish(ctx context.Context, job queue.Job) error
}

// Client represents an MQTT client
type Client struct {
	client  mqtt.Client
	config  config.MQTTConfig
	handler MessageHandler
}

// MessageHandler is the callback function type for handling MQTT messages
type MessageHandler func(msg mqtt.Message)

// Manager bridges device topics onto the ingestion queue
type Manager struct {
	client    *Client
	publisher Publisher
	presence  bool
}

// NewManager creates a bridge publishing to publisher
func NewManager(cfg config.MQTTConfig, publisher Publisher) (*Manager, error) {
	m := &Manager{
		publisher: publisher,
		presence:  cfg.PresenceFromTelemetry,
	}

	mqttClient, err := newClient(cfg, m.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MQTT client: %w", err)
	}
	m.client = mqttClient
	return m, nil
}

// Start starts the MQTT service
func (m *Manager) Start() error {
	if err := m.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	for _, topic := range m.client.config.Topics {
		if err := m.client.Subscribe(topic); err != nil {
			logger.Warn("failed to subscribe to topic %s: %v", topic, err)
		}
	}

	return nil
}

// Stop stops the MQTT service
func (m *Manager) Stop() {
	m.client.Disconnect()
}

func (m *Manager) handleMessage(msg mqtt.Message) {
	jobs, err := BuildJobs(msg.Topic(), msg.Payload(), time.Now(), m.presence)
	if err != nil {
		logger.Warn("dropping message on %s: %v", msg.Topic(), err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, job := range jobs {
		if job.CarrierMetadata != nil {
			job.CarrierMetadata["mqtt_qos"] = msg.Qos()
			job.CarrierMetadata["mqtt_retained"] = msg.Retained()
		}
		if err := m.publisher.Publish(ctx, job); err != nil {
			logger.Error("failed to enqueue %s job from %s: %v", job.Topic, msg.Topic(), err)
			continue
		}
		metrics.IncIngest("mqtt", job.Topic)
	}
}

// BuildJobs turns one device message into queue jobs. A telemetry message
// yields a status ping as well when presence is set.
func BuildJobs(topic string, payload []byte, arrival time.Time, presence bool) ([]queue.Job, error) {
	hardwareID, logical, ok := ParseTopic(topic)
	if !ok {
		return nil, fmt.Errorf("unsupported topic %s", topic)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if body == nil {
		body = map[string]interface{}{}
	}
	if transformer.HardwareID(body) == "" && hardwareID != "+" && hardwareID != "" {
		body["devid"] = hardwareID
	}

	job := queue.Job{
		Topic:           logical,
		Body:            body,
		When:            arrival.UnixMilli(),
		CarrierMetadata: map[string]interface{}{"mqtt_topic": topic},
		ID:              messageID(logical, body),
	}
	jobs := []queue.Job{job}

	if presence && logical == queue.TopicTelemetry {
		ping := job
		ping.Topic = queue.TopicStatus
		ping.CarrierMetadata = map[string]interface{}{"mqtt_topic": topic}
		ping.ID = messageID(queue.TopicStatus, body)
		jobs = append(jobs, ping)
	}
	return jobs, nil
}

// messageID derives a dedupe id from the hardware id and the device clock.
// Bodies without a device timestamp get none.
func messageID(logical string, body map[string]interface{}) string {
	hw := transformer.HardwareID(body)
	if hw == "" {
		return ""
	}
	for _, key := range []string{"ts", "timestamp", "time", "date", "dt"} {
		switch v := body[key].(type) {
		case string:
			if v != "" {
				return logical + ":" + hw + ":" + v
			}
		case float64:
			return logical + ":" + hw + ":" + strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// newClient creates a new MQTT client
func newClient(config config.MQTTConfig, handler MessageHandler) (*Client, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)

	if config.ClientID == "" {
		config.ClientID = "telemetry-hub-" + uuid.NewString()
	}
	opts.SetClientID(config.ClientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	client := mqtt.NewClient(opts)

	return &Client{
		client:  client,
		config:  config,
		handler: handler,
	}, nil
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connection to MQTT broker timed out")
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("successfully connected to MQTT broker: %s", c.config.Broker)
	return nil
}

// Subscribe subscribes to the specified topic
func (c *Client) Subscribe(topic string) error {
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		logger.Debug("received message from topic %s", msg.Topic())
		c.handler(msg)
	})

	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("successfully subscribed to topic: %s", topic)
	return nil
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	logger.Info("disconnected from MQTT broker")
}

var topicPattern = regexp.MustCompile(`^devices/([^/]+)/(telemetry|status)$`)

// ParseTopic splits devices/{hardware_id}/{telemetry|status} into the
// hardware id segment and the logical queue topic
func ParseTopic(topic string) (hardwareID, logical string, ok bool) {
	matches := topicPattern.FindStringSubmatch(strings.TrimSpace(topic))
	if len(matches) != 3 {
		return "", "", false
	}
	return matches[1], matches[2], true
}
