package mqttbroker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/dbus2mqtt/bridge/internal/config"
	"github.com/dbus2mqtt/bridge/internal/eventbroker"
)

// clientIDUserProperty is the MQTT5 user-property key every outbound
// publish carries, set to this process's MQTT client ID. Inbound
// messages whose client_id user property starts with the same prefix
// originated from this bridge process and are dropped before producing
// any downstream work (see onPublishReceived in inbound.go).
const clientIDUserProperty = "client_id"

// mqttTrigger is a flattened mqtt_message trigger, gathered from both
// top-level and subscription-nested flows, used to decide which
// inbound messages should also be pushed onto the broker's Triggers
// queue (in addition to Inbound, which busclient uses for commands).
type mqttTrigger struct {
	flowID string
	topic  string
	filter string
}

// Broker owns the MQTT connection and the bridging between it and the
// event broker's bounded queues.
type Broker struct {
	cfg      config.MQTTConfig
	clientID string
	eb       *eventbroker.Broker
	logger   *slog.Logger
	triggers []mqttTrigger

	cm *autopaho.ConnectionManager
}

// New creates a Broker. clientIDSuffix should be stable across restarts
// (see LoadOrCreateClientIDSuffix). cfg.Flows/dbus subscription flows
// are scanned once here for mqtt_message triggers.
func New(cfg config.MQTTConfig, full *config.Config, clientIDSuffix string, eb *eventbroker.Broker, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.ClientIDPrefix + clientIDSuffix
	if len(id) > 23 {
		// MQTT 3.1.1 brokers may reject client IDs over 23 bytes; 5.0
		// brokers generally don't care, but there's no reason to push it.
		id = id[:23]
	}
	return &Broker{
		cfg:      cfg,
		clientID: id,
		eb:       eb,
		logger:   logger,
		triggers: gatherMQTTTriggers(full),
	}
}

func gatherMQTTTriggers(full *config.Config) []mqttTrigger {
	if full == nil {
		return nil
	}
	var out []mqttTrigger
	collect := func(flows []config.Flow) {
		for _, f := range flows {
			for _, t := range f.Triggers {
				if t.Type == config.TriggerMQTTMessage {
					out = append(out, mqttTrigger{flowID: f.ID, topic: t.Topic, filter: t.Filter})
				}
			}
		}
	}
	collect(full.Flows)
	for _, sub := range full.DBus.Subscriptions {
		collect(sub.Flows)
	}
	return out
}

// Start connects to the broker and blocks until ctx is cancelled,
// running the outbound-publish loop. Subscriptions are (re-)issued on
// every connect, since autopaho does not resubscribe automatically.
func (b *Broker) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(fmt.Sprintf("tcp://%s:%d", b.cfg.Host, b.cfg.Port))
	if err != nil {
		return fmt.Errorf("mqttbroker: parse broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "host", b.cfg.Host, "port", b.cfg.Port)
			subCtx, cancel := context.WithTimeout(context.Background(), time.Duration(b.cfg.ConnectTimeoutSec)*time.Second)
			defer cancel()
			b.subscribe(subCtx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID,
			OnPublishReceived: []func(autopaho.PublishReceived) (bool, error){
				func(pr autopaho.PublishReceived) (bool, error) {
					b.onPublishReceived(pr)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttbroker: connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.ConnectTimeoutSec)*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.runOutboundLoop(ctx)
	return nil
}

// Stop disconnects from the broker. ctx bounds how long to wait for
// the disconnect packet to flush.
func (b *Broker) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established.
func (b *Broker) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("mqttbroker: not started")
	}
	return b.cm.AwaitConnection(ctx)
}

func (b *Broker) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if len(b.cfg.SubscriptionTopics) == 0 {
		return
	}
	opts := make([]paho.SubscribeOptions, 0, len(b.cfg.SubscriptionTopics))
	for _, topic := range b.cfg.SubscriptionTopics {
		opts = append(opts, paho.SubscribeOptions{Topic: topic, QoS: 0})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		b.logger.Error("mqtt subscribe failed", "error", err, "topics", b.cfg.SubscriptionTopics)
		return
	}
	b.logger.Info("mqtt subscribed to topics", "topics", b.cfg.SubscriptionTopics)
}

// runOutboundLoop drains eb.Outbound and publishes each message.
func (b *Broker) runOutboundLoop(ctx context.Context) {
	for {
		msg, err := b.eb.Outbound.Dequeue(ctx)
		if err != nil {
			return
		}
		b.publish(ctx, msg)
	}
}

func (b *Broker) publish(ctx context.Context, msg eventbroker.OutboundMessage) {
	if b.cm == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.PublishTimeoutSec)*time.Second)
	defer cancel()

	payload := msg.Payload
	if msg.PayloadType == config.PayloadBinary {
		payload = readBinaryPayload(string(msg.Payload), b.logger)
	}

	_, err := b.cm.Publish(pubCtx, &paho.Publish{
		Topic:   msg.Topic,
		Payload: payload,
		QoS:     byte(msg.QoS),
		Retain:  msg.Retain,
		Properties: &paho.PublishProperties{
			User: paho.UserProperties{{Key: clientIDUserProperty, Value: b.clientID}},
		},
	})
	if err != nil {
		b.logger.Warn("mqtt publish failed", "topic", msg.Topic, "error", err)
	}
}

// readBinaryPayload parses a binary flow action's rendered payload_template
// as a file:// URI and returns the referenced file's bytes, per spec.md
// §4.4. A parse or read failure publishes an empty payload rather than
// failing the whole publish.
func readBinaryPayload(uri string, logger *slog.Logger) []byte {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		logger.Warn("binary payload is not a file:// URI, publishing empty payload", "uri", uri, "error", err)
		return nil
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		logger.Warn("binary payload file read failed, publishing empty payload", "path", u.Path, "error", err)
		return nil
	}
	return data
}
