package mqttbroker

import (
	"context"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/dbus2mqtt/bridge/internal/eventbroker"
)

// isLoopback reports whether pkt carries a client_id user property
// whose value begins with this process's own client ID prefix — i.e.
// it was published by this same bridge process (see clientIDUserProperty
// in broker.go).
func isLoopback(pkt *paho.Publish, clientID string) bool {
	if pkt.Properties == nil {
		return false
	}
	for _, up := range pkt.Properties.User {
		if up.Key == clientIDUserProperty && strings.HasPrefix(up.Value, clientID) {
			return true
		}
	}
	return false
}

// onPublishReceived routes one inbound MQTT message: it goes onto
// Triggers for every configured mqtt_message flow whose topic filter
// matches, then onto Inbound for busclient's command-topic matching,
// with LogUnmatched set when no such flow matched.
// Retained messages produce no downstream work at all (spec.md §4.4:
// "they represent historical state, not commands"), and messages
// carrying this process's own client_id user property are dropped as
// loopback before any enqueue, so a multi-instance deployment doesn't
// re-process its own publishes.
func (b *Broker) onPublishReceived(pr autopaho.PublishReceived) {
	if pr.Packet.Retain {
		return
	}
	if isLoopback(pr.Packet, b.clientID) {
		return
	}

	topic := pr.Packet.Topic
	payload := pr.Packet.Payload

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	triggered := false
	for _, trig := range b.triggers {
		if !topicMatch(trig.topic, topic) {
			continue
		}
		triggered = true
		if err := b.eb.Triggers.Enqueue(ctx, eventbroker.TriggerMessage{
			FlowID:  trig.flowID,
			Topic:   topic,
			Payload: payload,
		}); err != nil {
			b.logger.Warn("mqtt trigger enqueue failed", "flow_id", trig.flowID, "topic", topic, "error", err)
		}
	}

	if err := b.eb.Inbound.Enqueue(ctx, eventbroker.InboundMessage{
		Topic:        topic,
		Payload:      payload,
		LogUnmatched: !triggered,
	}); err != nil {
		b.logger.Warn("mqtt inbound enqueue failed", "topic", topic, "error", err)
	}
}
