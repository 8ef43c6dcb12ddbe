package mqttbroker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/dbus2mqtt/bridge/internal/config"
	"github.com/dbus2mqtt/bridge/internal/eventbroker"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestTopicMatch_SingleLevelWildcard(t *testing.T) {
	if !topicMatch("dbus2mqtt/+/command", "dbus2mqtt/mpris/command") {
		t.Error("expected + to match one level")
	}
	if topicMatch("dbus2mqtt/+/command", "dbus2mqtt/mpris/vlc/command") {
		t.Error("+ should not match multiple levels")
	}
}

func TestTopicMatch_MultiLevelWildcard(t *testing.T) {
	if !topicMatch("dbus2mqtt/#", "dbus2mqtt/mpris/vlc/state") {
		t.Error("expected # to match remaining levels")
	}
	if !topicMatch("dbus2mqtt/#", "dbus2mqtt") {
		t.Error("# alone should match the parent level too in common broker semantics")
	}
}

func TestTopicMatch_ExactMismatch(t *testing.T) {
	if topicMatch("dbus2mqtt/bridge/heartbeat", "dbus2mqtt/bridge/other") {
		t.Error("expected mismatch")
	}
}

func TestGatherMQTTTriggers(t *testing.T) {
	cfg := &config.Config{
		Flows: []config.Flow{
			{ID: "top", Triggers: []config.Trigger{{Type: config.TriggerMQTTMessage, Topic: "dbus2mqtt/cmd"}}},
			{ID: "sched", Triggers: []config.Trigger{{Type: config.TriggerSchedule, Interval: "30s"}}},
		},
		DBus: config.DBusConfig{
			Subscriptions: []config.Subscription{
				{
					Flows: []config.Flow{
						{ID: "nested", Triggers: []config.Trigger{{Type: config.TriggerMQTTMessage, Topic: "dbus2mqtt/nested"}}},
					},
				},
			},
		},
	}

	triggers := gatherMQTTTriggers(cfg)
	if len(triggers) != 2 {
		t.Fatalf("got %d triggers, want 2", len(triggers))
	}
}

func TestIsLoopback_MatchesPrefix(t *testing.T) {
	pkt := &paho.Publish{Properties: &paho.PublishProperties{
		User: paho.UserProperties{{Key: clientIDUserProperty, Value: "dbus2mqtt-abc123"}},
	}}
	if !isLoopback(pkt, "dbus2mqtt-abc123") {
		t.Error("expected loopback match")
	}
	if isLoopback(pkt, "dbus2mqtt-other") {
		t.Error("did not expect a match for a different client id")
	}
}

func TestIsLoopback_NoProperties(t *testing.T) {
	if isLoopback(&paho.Publish{}, "dbus2mqtt-abc123") {
		t.Error("expected no loopback match with no properties set")
	}
}

func TestOnPublishReceived_RetainedProducesNoDownstreamWork(t *testing.T) {
	eb := eventbroker.New(eventbroker.Config{})
	defer eb.Close()
	b := New(config.MQTTConfig{}, &config.Config{
		Flows: []config.Flow{{ID: "f", Triggers: []config.Trigger{{Type: config.TriggerMQTTMessage, Topic: "a/b"}}}},
	}, "suffix", eb, nil)

	b.onPublishReceived(autopaho.PublishReceived{Packet: &paho.Publish{Topic: "a/b", Retain: true}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := eb.Inbound.Dequeue(ctx); err == nil {
		t.Error("retained message should not be enqueued onto Inbound")
	}
}

func TestReadBinaryPayload_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "art.jpg")
	if err := os.WriteFile(path, []byte("cover art bytes"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	got := readBinaryPayload("file://"+path, discardLogger)
	if string(got) != "cover art bytes" {
		t.Errorf("got %q, want file contents", got)
	}
}

func TestReadBinaryPayload_MissingFileReturnsEmpty(t *testing.T) {
	got := readBinaryPayload("file:///does/not/exist", discardLogger)
	if got != nil {
		t.Errorf("got %q, want nil/empty payload", got)
	}
}

func TestNew_ClientIDTruncation(t *testing.T) {
	eb := eventbroker.New(eventbroker.Config{})
	defer eb.Close()

	b := New(config.MQTTConfig{ClientIDPrefix: "dbus2mqtt-"}, &config.Config{}, "0123456789abcdef0123456789abcdef", eb, nil)
	if len(b.clientID) > 23 {
		t.Errorf("clientID length = %d, want <= 23", len(b.clientID))
	}
}
