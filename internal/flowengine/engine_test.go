package flowengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dbus2mqtt/bridge/internal/config"
	"github.com/dbus2mqtt/bridge/internal/eventbroker"
	"github.com/dbus2mqtt/bridge/internal/templating"
)

func newTestEngine(cfg *config.Config) (*Engine, *eventbroker.Broker) {
	broker := eventbroker.New(eventbroker.Config{})
	tmpl := templating.New(nil)
	return New(cfg, broker, tmpl, nil), broker
}

func TestRunTriggerLoop_MQTTPublishAction(t *testing.T) {
	cfg := &config.Config{
		Flows: []config.Flow{
			{
				ID: "f1",
				Actions: []config.Action{
					{
						Type:            config.ActionMQTTPublish,
						TopicTemplate:   "out/{{ .bus_name }}",
						PayloadType:     config.PayloadText,
						PayloadTemplate: "hello {{ .bus_name }}",
					},
				},
			},
		},
	}
	e, broker := newTestEngine(cfg)
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go e.RunTriggerLoop(ctx)

	if err := broker.Triggers.Enqueue(ctx, eventbroker.TriggerMessage{FlowID: "f1", BusName: "org.example"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	out, err := broker.Outbound.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected outbound message: %v", err)
	}
	if out.Topic != "out/org.example" {
		t.Errorf("topic = %q, want out/org.example", out.Topic)
	}
	if string(out.Payload) != "hello org.example" {
		t.Errorf("payload = %q", out.Payload)
	}
}

func TestRunTriggerLoop_ContextSetPersistsGlobally(t *testing.T) {
	cfg := &config.Config{
		Flows: []config.Flow{
			{
				ID: "setter",
				Actions: []config.Action{
					{Type: config.ActionContextSet, GlobalContext: map[string]any{"seen": "yes"}},
				},
			},
			{
				ID: "reader",
				Actions: []config.Action{
					{
						Type:            config.ActionMQTTPublish,
						TopicTemplate:   "out/reader",
						PayloadType:     config.PayloadText,
						PayloadTemplate: "seen={{ .seen }}",
					},
				},
			},
		},
	}
	e, broker := newTestEngine(cfg)
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go e.RunTriggerLoop(ctx)

	if err := broker.Triggers.Enqueue(ctx, eventbroker.TriggerMessage{FlowID: "setter"}); err != nil {
		t.Fatalf("enqueue setter: %v", err)
	}
	// Drain nothing (setter has no mqtt_publish action); give the loop a
	// moment to process before firing the reader.
	time.Sleep(20 * time.Millisecond)

	if err := broker.Triggers.Enqueue(ctx, eventbroker.TriggerMessage{FlowID: "reader"}); err != nil {
		t.Fatalf("enqueue reader: %v", err)
	}

	out, err := broker.Outbound.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected outbound message: %v", err)
	}
	if string(out.Payload) != "seen=yes" {
		t.Errorf("payload = %q, want seen=yes", out.Payload)
	}
}

func TestRunTriggerLoop_SubscriptionScopeInjected(t *testing.T) {
	cfg := &config.Config{
		DBus: config.DBusConfig{
			Subscriptions: []config.Subscription{
				{
					BusName: "test.bus_name.*",
					Path:    "/test",
					Flows: []config.Flow{
						{
							ID:       "nested",
							Triggers: []config.Trigger{{Type: config.TriggerSchedule, Interval: "1h"}},
							Actions: []config.Action{
								{Type: config.ActionContextSet, GlobalContext: map[string]any{"var1": "{{ .subscription_bus_name }}"}},
							},
						},
					},
				},
			},
		},
	}
	e, broker := newTestEngine(cfg)
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go e.RunTriggerLoop(ctx)

	if err := broker.Triggers.Enqueue(ctx, eventbroker.TriggerMessage{FlowID: "nested"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if v := e.global.Snapshot()["var1"]; v == "test.bus_name.*" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("global var1 = %v, want test.bus_name.*", e.global.Snapshot()["var1"])
}

func TestHandleSignalEvent_FilterBlocksUnmatched(t *testing.T) {
	cfg := &config.Config{
		DBus: config.DBusConfig{
			Subscriptions: []config.Subscription{
				{
					BusName: "org.mpris.MediaPlayer2.*",
					Path:    "/org/mpris/MediaPlayer2",
					Interfaces: []config.InterfaceConfig{
						{
							Interface: "org.freedesktop.DBus.Properties",
							Signals:   []config.SignalConfig{{Signal: "PropertiesChanged", Filter: "{{ eq (index .args 0) \"org.mpris.MediaPlayer2.Player\" }}"}},
						},
					},
					Flows: []config.Flow{
						{ID: "nested", Triggers: []config.Trigger{{Type: config.TriggerDBusSignal, Interface: "org.freedesktop.DBus.Properties", Signal: "PropertiesChanged"}}},
					},
				},
			},
		},
	}
	e, broker := newTestEngine(cfg)
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	e.handleSignalEvent(ctx, eventbroker.SignalEvent{
		BusName: "org.mpris.MediaPlayer2.vlc", Path: "/org/mpris/MediaPlayer2",
		Interface: "org.freedesktop.DBus.Properties", Signal: "PropertiesChanged",
		Args: []any{"org.other.Interface"},
	})

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	if _, err := broker.Triggers.Dequeue(shortCtx); err == nil {
		t.Fatal("did not expect a trigger for a filtered-out signal")
	}
}

func TestDecodePayload_NonJSONFallsBackToString(t *testing.T) {
	got := decodePayload([]byte("not json"))
	if got != "not json" {
		t.Errorf("got %v, want raw string", got)
	}
}

func TestDecodePayload_JSON(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"a": 1})
	got, ok := decodePayload(payload).(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", got)
	}
}

func TestTopicMatch(t *testing.T) {
	if !topicMatch("dbus2mqtt/+/cmd", "dbus2mqtt/x/cmd") {
		t.Error("expected + wildcard match")
	}
	if topicMatch("dbus2mqtt/+/cmd", "dbus2mqtt/x/y/cmd") {
		t.Error("+ should not span levels")
	}
}
