package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/callreportd/callreportd/internal/database"
	"github.com/callreportd/callreportd/internal/database/models"
	"github.com/callreportd/callreportd/internal/pipeline"
)

// Reducer triggers call reduction when the bus signals a finished call.
type Reducer interface {
	GenerateFromCorrelationID(ctx context.Context, correlationID string) (*pipeline.RunResult, error)
}

// celPayload is the wire shape of one channel event on the bus.
type celPayload struct {
	EventType    string            `json:"event_type"`
	EventTime    string            `json:"event_time"`
	LinkedID     string            `json:"linked_id"`
	UniqueID     string            `json:"unique_id"`
	ChannelName  string            `json:"channel_name"`
	Exten        string            `json:"exten"`
	Context      string            `json:"context"`
	CallerIDName string            `json:"caller_id_name"`
	CallerIDNum  string            `json:"caller_id_num"`
	Extra        map[string]string `json:"extra"`
}

// Options configures the bus consumer.
type Options struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	// ReduceTimeout bounds the reduction triggered by an end-of-call
	// event, default 1m.
	ReduceTimeout time.Duration
}

// Consumer subscribes to the channel event topic, stores every event, and
// kicks off reduction when a call's end event arrives.
type Consumer struct {
	client  mqtt.Client
	cels    database.CELRepository
	reducer Reducer
	logger  *slog.Logger

	topic         string
	qos           byte
	reduceTimeout time.Duration
}

// NewConsumer creates and connects a bus consumer and subscribes it to the
// event topic.
func NewConsumer(opts Options, cels database.CELRepository, reducer Reducer, logger *slog.Logger) (*Consumer, error) {
	if opts.ReduceTimeout <= 0 {
		opts.ReduceTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Consumer{
		cels:          cels,
		reducer:       reducer,
		logger:        logger,
		topic:         opts.Topic,
		qos:           opts.QoS,
		reduceTimeout: opts.ReduceTimeout,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetOnConnectHandler(func(client mqtt.Client) {
			// Resubscribe on every (re)connect; subscriptions do not
			// survive a broker-side session drop.
			token := client.Subscribe(c.topic, c.qos, c.onMessage)
			token.Wait()
			if err := token.Error(); err != nil {
				logger.Error("subscribing to event topic failed", "topic", c.topic, "error", err)
				return
			}
			logger.Info("subscribed to event topic", "topic", c.topic)
		})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to bus broker %s: %w", opts.Broker, err)
	}

	c.client = client
	return c, nil
}

// Close disconnects from the broker.
func (c *Consumer) Close() error {
	c.client.Disconnect(1000)
	return nil
}

func (c *Consumer) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.handlePayload(context.Background(), msg.Payload())
}

// handlePayload stores one event. A payload that cannot be parsed is logged
// and dropped; the bus is not a place to push errors back to.
func (c *Consumer) handlePayload(ctx context.Context, payload []byte) {
	ev, err := parseEvent(payload)
	if err != nil {
		c.logger.Warn("dropping malformed bus payload", "error", err)
		return
	}

	if err := c.cels.Create(ctx, ev); err != nil {
		c.logger.Error("storing bus event failed",
			"correlation_id", ev.CorrelationID, "event_type", ev.Type, "error", err)
		return
	}

	if ev.Type == models.EventLinkedIDEnd {
		go c.reduce(ev.CorrelationID)
	}
}

func (c *Consumer) reduce(correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.reduceTimeout)
	defer cancel()

	if _, err := c.reducer.GenerateFromCorrelationID(ctx, correlationID); err != nil {
		c.logger.Error("end-of-call reduction failed",
			"correlation_id", correlationID, "error", err)
	}
}

func parseEvent(payload []byte) (*models.Event, error) {
	var p celPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding event payload: %w", err)
	}
	if p.EventType == "" {
		return nil, fmt.Errorf("event payload has no event_type")
	}
	if p.LinkedID == "" {
		return nil, fmt.Errorf("event payload has no linked_id")
	}

	eventTime, err := time.Parse(time.RFC3339Nano, p.EventTime)
	if err != nil {
		return nil, fmt.Errorf("parsing event_time %q: %w", p.EventTime, err)
	}

	return &models.Event{
		CorrelationID: p.LinkedID,
		ChannelID:     p.UniqueID,
		Type:          p.EventType,
		Time:          eventTime,
		ChannelName:   p.ChannelName,
		Exten:         p.Exten,
		Context:       p.Context,
		CallerIDName:  p.CallerIDName,
		CallerIDNum:   p.CallerIDNum,
		Extra:         p.Extra,
	}, nil
}
